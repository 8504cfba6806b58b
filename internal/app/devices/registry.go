// Package devices tracks audio hardware and the user's selection.
package devices

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/voicelink/internal/app/meter"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

// Registry owns the last enumeration and SelectedDevices. It is the only
// writer of the selection; the session client reads it on each connect and
// rebind.
type Registry struct {
	src      core.DeviceSource
	media    core.MediaSource
	interval time.Duration
	log      zerolog.Logger

	mu        sync.RWMutex
	granted   bool
	list      domain.DeviceList
	selected  domain.SelectedDevices
	listeners []func(domain.DeviceList)
}

func NewRegistry(src core.DeviceSource, media core.MediaSource, frameInterval time.Duration, log zerolog.Logger) *Registry {
	if frameInterval <= 0 {
		frameInterval = meter.FrameInterval(meter.DefaultFrameRate)
	}
	return &Registry{
		src:      src,
		media:    media,
		interval: frameInterval,
		log:      log.With().Str("module", "app.devices").Logger(),
		list:     domain.NewDeviceList(nil),
	}
}

// Enumerate rebuilds the device set, requesting hardware access first if it
// has not been granted yet.
func (r *Registry) Enumerate(ctx context.Context) (domain.DeviceList, error) {
	r.mu.RLock()
	granted := r.granted
	r.mu.RUnlock()

	if !granted {
		if err := r.src.RequestAccess(ctx); err != nil {
			r.log.Warn().Err(err).Msg("hardware access not granted")
			return domain.DeviceList{}, err
		}
	}

	descs, err := r.src.Devices(ctx)
	if err != nil {
		return domain.DeviceList{}, fmt.Errorf("list devices: %w", err)
	}
	for i := range descs {
		if descs[i].Label == "" {
			descs[i].Label = domain.PlaceholderLabel(descs[i].Kind, descs[i].ID)
		}
	}
	list := domain.NewDeviceList(descs)

	r.mu.Lock()
	r.granted = true
	r.list = list
	if _, ok := list.Find(r.selected.InputID, domain.DeviceInput); !ok && r.selected.InputID != "" {
		r.log.Info().Str("device", r.selected.InputID).Msg("selected input vanished, using default")
		r.selected.InputID = ""
	}
	if _, ok := list.Find(r.selected.OutputID, domain.DeviceOutput); !ok && r.selected.OutputID != "" {
		r.log.Info().Str("device", r.selected.OutputID).Msg("selected output vanished, using default")
		r.selected.OutputID = ""
	}
	listeners := append([]func(domain.DeviceList){}, r.listeners...)
	r.mu.Unlock()

	r.log.Info().Int("inputs", len(list.Inputs)).Int("outputs", len(list.Outputs)).Msg("devices enumerated")
	for _, fn := range listeners {
		fn(list)
	}
	return list, nil
}

// List returns the last enumeration without touching hardware.
func (r *Registry) List() domain.DeviceList {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.list
}

// OnChange registers fn to run after every successful enumeration.
func (r *Registry) OnChange(fn func(domain.DeviceList)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Select records the user's choice. An empty id reverts to the system default.
// It never touches an open session.
func (r *Registry) Select(id string, kind domain.DeviceKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != "" {
		if _, ok := r.list.Find(id, kind); !ok {
			return fmt.Errorf("select %s %q: %w", kind, id, domain.ErrUnknownDevice)
		}
	}
	switch kind {
	case domain.DeviceInput:
		r.selected.InputID = id
	case domain.DeviceOutput:
		r.selected.OutputID = id
	default:
		return fmt.Errorf("select: unknown kind %q", kind)
	}
	r.log.Info().Str("kind", string(kind)).Str("device", id).Msg("device selected")
	return nil
}

func (r *Registry) Selected() domain.SelectedDevices {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selected
}

// ResolvedInput is the selected input id, or "" when it is unset or no longer
// present in the last enumeration.
func (r *Registry) ResolvedInput() string {
	return r.resolved(domain.DeviceInput)
}

func (r *Registry) ResolvedOutput() string {
	return r.resolved(domain.DeviceOutput)
}

func (r *Registry) resolved(kind domain.DeviceKind) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := r.selected.Get(kind)
	if id == "" {
		return ""
	}
	if _, ok := r.list.Find(id, kind); !ok {
		return ""
	}
	return id
}

// MeterInput opens a dedicated capture on id each time the returned sequence
// is ranged over, yielding one level per frame. The capture is released when
// the consumer stops or ctx ends. An acquisition failure is yielded once as
// (0, err).
func (r *Registry) MeterInput(ctx context.Context, id string) (iter.Seq2[float64, error], error) {
	if id != "" {
		r.mu.RLock()
		_, ok := r.list.Find(id, domain.DeviceInput)
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("meter %q: %w", id, domain.ErrUnknownDevice)
		}
	}
	return func(yield func(float64, error) bool) {
		track, err := r.media.Acquire(ctx, id)
		if err != nil {
			r.log.Warn().Err(err).Str("device", id).Msg("meter capture failed")
			yield(0, err)
			return
		}
		defer func() {
			track.Stop()
			r.log.Debug().Str("device", id).Msg("meter capture released")
		}()
		r.log.Debug().Str("device", id).Msg("meter capture opened")
		for v := range meter.Levels(ctx, track, r.interval) {
			if !yield(v, nil) {
				return
			}
		}
	}, nil
}
