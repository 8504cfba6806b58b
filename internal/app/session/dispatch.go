package session

import "sync"

// maxPendingLevels bounds how far level events may queue behind a slow
// observer before new ones are dropped. Lifecycle events are never dropped.
const maxPendingLevels = 32

type event struct {
	fn    func()
	level bool
}

// dispatcher delivers events on one goroutine in FIFO order, so observers
// may call back into the client without deadlocking it.
type dispatcher struct {
	mu     sync.Mutex
	queue  []event
	levels int
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) push(fn func()) {
	d.enqueue(event{fn: fn})
}

func (d *dispatcher) pushLevel(fn func()) {
	d.enqueue(event{fn: fn, level: true})
}

func (d *dispatcher) enqueue(e event) {
	d.mu.Lock()
	if d.closed || (e.level && d.levels >= maxPendingLevels) {
		d.mu.Unlock()
		return
	}
	if e.level {
		d.levels++
	}
	d.queue = append(d.queue, e)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 {
			if d.closed {
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			<-d.wake
			d.mu.Lock()
		}
		batch := d.queue
		d.queue = nil
		d.levels = 0
		d.mu.Unlock()

		for _, e := range batch {
			e.fn()
		}
	}
}

// close delivers what is already queued and stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}
