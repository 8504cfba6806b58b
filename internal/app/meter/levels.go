package meter

import (
	"context"
	"iter"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

const DefaultFrameRate = 60

// FrameInterval converts a frame rate into a tick period.
func FrameInterval(fps int) time.Duration {
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	return time.Second / time.Duration(fps)
}

// Levels is an infinite sequence of src levels sampled once per interval.
// It ends when ctx is done or the consumer stops ranging.
func Levels(ctx context.Context, src core.LevelSource, interval time.Duration) iter.Seq[float64] {
	return func(yield func(float64) bool) {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			if !yield(domain.ClampLevel(src.Level())) {
				return
			}
		}
	}
}

const (
	smoothPrev = 0.7
	smoothRaw  = 0.3
)

// Smoother damps frame-to-frame jitter: next = 0.7*prev + 0.3*raw.
type Smoother struct {
	prev float64
}

func (s *Smoother) Next(raw float64) float64 {
	s.prev = domain.ClampLevel(smoothPrev*s.prev + smoothRaw*domain.ClampLevel(raw))
	return s.prev
}

func (s *Smoother) Value() float64 { return s.prev }

func (s *Smoother) Reset() { s.prev = 0 }
