package audio

import (
	"encoding/binary"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/dkeye/voicelink/internal/domain"
)

// fakeDriver emulates the audio library with goroutines that call the
// device callbacks every millisecond.
type fakeDriver struct {
	mu      sync.Mutex
	inputs  []domain.DeviceDescriptor
	outputs []domain.DeviceDescriptor
	opened  []*fakeDevice
	initErr error
	encoded [][]int16
	freed   bool

	// chunk is the number of frames per callback.
	chunk int
	// signal produces the capture samples.
	signal func() int16
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		inputs: []domain.DeviceDescriptor{
			{ID: "in-1", Kind: domain.DeviceInput, Label: "Mic", IsDefault: true},
			{ID: "in-2", Kind: domain.DeviceInput},
		},
		outputs: []domain.DeviceDescriptor{
			{ID: "out-1", Kind: domain.DeviceOutput, Label: "Speakers", IsDefault: true},
			{ID: "out-2", Kind: domain.DeviceOutput, Label: "Headset"},
		},
		chunk:  frameSize / 2,
		signal: func() int16 { return int16(rand.IntN(20000) - 10000) },
	}
}

func (d *fakeDriver) name() string { return "fake" }

func (d *fakeDriver) devices(kind domain.DeviceKind) ([]domain.DeviceDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if kind == domain.DeviceInput {
		return append([]domain.DeviceDescriptor(nil), d.inputs...), nil
	}
	return append([]domain.DeviceDescriptor(nil), d.outputs...), nil
}

func (d *fakeDriver) initCapture(deviceID string, cb dataProc) (device, error) {
	return d.init(domain.DeviceInput, deviceID, cb)
}

func (d *fakeDriver) initPlayback(deviceID string, cb dataProc) (device, error) {
	return d.init(domain.DeviceOutput, deviceID, cb)
}

func (d *fakeDriver) init(kind domain.DeviceKind, id string, cb dataProc) (device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initErr != nil {
		return nil, d.initErr
	}
	dev := &fakeDevice{drv: d, kind: kind, id: id, cb: cb, chunk: d.chunk}
	d.opened = append(d.opened, dev)
	return dev, nil
}

func (d *fakeDriver) newEncoder() (encoder, error) { return &fakeEncoder{drv: d}, nil }
func (d *fakeDriver) newDecoder() (decoder, error) { return fakeDecoder{}, nil }

func (d *fakeDriver) free() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.freed = true
	return nil
}

func (d *fakeDriver) devicesOpened() []*fakeDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeDevice(nil), d.opened...)
}

func (d *fakeDriver) encodedFrames() [][]int16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]int16(nil), d.encoded...)
}

type fakeDevice struct {
	drv   *fakeDriver
	kind  domain.DeviceKind
	id    string
	cb    dataProc
	chunk int

	mu       sync.Mutex
	stop     chan struct{}
	wg       sync.WaitGroup
	startErr error
	uninits  int
	nonZero  atomic.Bool
}

func (d *fakeDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	if d.stop != nil {
		return nil
	}
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go d.loop(d.stop)
	return nil
}

func (d *fakeDevice) loop(stop chan struct{}) {
	defer d.wg.Done()
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	buf := make([]byte, d.chunk*sampleSize)
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
		}
		if d.kind == domain.DeviceInput {
			for i := 0; i < d.chunk; i++ {
				binary.LittleEndian.PutUint16(buf[i*2:], uint16(d.drv.signal()))
			}
			d.cb(nil, buf, uint32(d.chunk))
			continue
		}
		d.cb(buf, nil, uint32(d.chunk))
		for _, b := range buf {
			if b != 0 {
				d.nonZero.Store(true)
				break
			}
		}
	}
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()
	if stop != nil {
		close(stop)
		d.wg.Wait()
	}
	return nil
}

func (d *fakeDevice) Uninit() {
	_ = d.Stop()
	d.mu.Lock()
	d.uninits++
	d.mu.Unlock()
}

func (d *fakeDevice) running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stop != nil
}

func (d *fakeDevice) uninitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uninits
}

type fakeEncoder struct {
	drv *fakeDriver
}

func (e *fakeEncoder) Encode(pcm []int16, frameSize int, out []byte) ([]byte, error) {
	e.drv.mu.Lock()
	e.drv.encoded = append(e.drv.encoded, append([]int16(nil), pcm[:frameSize]...))
	e.drv.mu.Unlock()
	out[0] = 0xf8
	return out[:1], nil
}

func (e *fakeEncoder) SetBitrate(int) {}

type fakeDecoder struct{}

func (fakeDecoder) Decode(_ []byte, frameSize int, _ bool, out []int16) ([]int16, error) {
	out = out[:frameSize]
	for i := range out {
		out[i] = 1000
	}
	return out, nil
}

// fakeStream delivers packets pushed on pkts until it is closed.
type fakeStream struct {
	pkts chan *rtp.Packet
}

func newFakeStream() *fakeStream {
	return &fakeStream{pkts: make(chan *rtp.Packet, 64)}
}

func (s *fakeStream) ID() string       { return "remote" }
func (s *fakeStream) StreamID() string { return "service" }

func (s *fakeStream) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-s.pkts
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

// feed pushes a packet every period until stop is closed.
func (s *fakeStream) feed(stop <-chan struct{}) {
	tick := time.NewTicker(period / 4)
	defer tick.Stop()
	var seq uint16
	for {
		select {
		case <-stop:
			close(s.pkts)
			return
		case <-tick.C:
			seq++
			select {
			case s.pkts <- &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}, Payload: []byte{0xf8}}:
			default:
			}
		}
	}
}
