package core

import "github.com/dkeye/voicelink/internal/domain"

// Observer receives session events. Calls are serialized.
type Observer interface {
	OnConnected()
	OnDisconnected()
	OnAudioStream(RemoteStream)
	OnAudioLevel(level float64)
}

// Optional observer capabilities, detected with type assertions.
type (
	StateObserver interface {
		OnStateChange(domain.SessionState)
	}
	ErrorObserver interface {
		OnError(error)
	}
	ControlObserver interface {
		OnControlMessage(domain.ControlMessage)
	}
)

// Observers fans events out to every member.
type Observers []Observer

func (os Observers) OnConnected() {
	for _, o := range os {
		o.OnConnected()
	}
}

func (os Observers) OnDisconnected() {
	for _, o := range os {
		o.OnDisconnected()
	}
}

func (os Observers) OnAudioStream(s RemoteStream) {
	for _, o := range os {
		o.OnAudioStream(s)
	}
}

func (os Observers) OnAudioLevel(level float64) {
	for _, o := range os {
		o.OnAudioLevel(level)
	}
}

func (os Observers) OnStateChange(s domain.SessionState) {
	for _, o := range os {
		if so, ok := o.(StateObserver); ok {
			so.OnStateChange(s)
		}
	}
}

func (os Observers) OnError(err error) {
	for _, o := range os {
		if eo, ok := o.(ErrorObserver); ok {
			eo.OnError(err)
		}
	}
}

func (os Observers) OnControlMessage(m domain.ControlMessage) {
	for _, o := range os {
		if co, ok := o.(ControlObserver); ok {
			co.OnControlMessage(m)
		}
	}
}

// NopObserver ignores everything. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnConnected()               {}
func (NopObserver) OnDisconnected()            {}
func (NopObserver) OnAudioStream(RemoteStream) {}
func (NopObserver) OnAudioLevel(float64)       {}
