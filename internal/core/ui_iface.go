package core

import (
	"time"

	"github.com/dkeye/voicelink/internal/domain"
)

// StartStopper is anything with start/stop callback props, such as a
// record button.
type StartStopper interface {
	OnStart()
	OnStop(elapsed time.Duration)
}

// DeviceChanger is anything with a device change callback prop.
type DeviceChanger interface {
	OnChange(id string, kind domain.DeviceKind)
}
