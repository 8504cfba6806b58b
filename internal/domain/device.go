package domain

import "fmt"

const labelPlaceholderIDLen = 5

type DeviceKind string

const (
	DeviceInput  DeviceKind = "input"
	DeviceOutput DeviceKind = "output"
)

func ParseDeviceKind(s string) (DeviceKind, error) {
	switch DeviceKind(s) {
	case DeviceInput, DeviceOutput:
		return DeviceKind(s), nil
	}
	return "", fmt.Errorf("unknown device kind %q", s)
}

type DeviceDescriptor struct {
	ID        string     `json:"id"`
	Kind      DeviceKind `json:"kind"`
	Label     string     `json:"label"`
	IsDefault bool       `json:"is_default,omitempty"`
}

// PlaceholderLabel is shown when the platform withholds a human readable name.
func PlaceholderLabel(kind DeviceKind, id string) string {
	short := id
	if len(short) > labelPlaceholderIDLen {
		short = short[:labelPlaceholderIDLen]
	}
	if kind == DeviceOutput {
		return "Speaker " + short + "..."
	}
	return "Microphone " + short + "..."
}

// SelectedDevices is the user's explicit choice. Empty ids mean system default.
type SelectedDevices struct {
	InputID  string `json:"input_id,omitempty"`
	OutputID string `json:"output_id,omitempty"`
}

func (s SelectedDevices) Get(kind DeviceKind) string {
	if kind == DeviceOutput {
		return s.OutputID
	}
	return s.InputID
}

// DeviceList is one enumeration result. Zero devices of a kind is a valid,
// explicit empty state.
type DeviceList struct {
	Inputs    []DeviceDescriptor `json:"inputs"`
	Outputs   []DeviceDescriptor `json:"outputs"`
	NoInputs  bool               `json:"no_inputs"`
	NoOutputs bool               `json:"no_outputs"`
}

func NewDeviceList(descs []DeviceDescriptor) DeviceList {
	l := DeviceList{
		Inputs:  make([]DeviceDescriptor, 0, len(descs)),
		Outputs: make([]DeviceDescriptor, 0, len(descs)),
	}
	for _, d := range descs {
		switch d.Kind {
		case DeviceInput:
			l.Inputs = append(l.Inputs, d)
		case DeviceOutput:
			l.Outputs = append(l.Outputs, d)
		}
	}
	l.NoInputs = len(l.Inputs) == 0
	l.NoOutputs = len(l.Outputs) == 0
	return l
}

func (l DeviceList) Of(kind DeviceKind) []DeviceDescriptor {
	if kind == DeviceOutput {
		return l.Outputs
	}
	return l.Inputs
}

func (l DeviceList) Empty(kind DeviceKind) bool {
	return len(l.Of(kind)) == 0
}

func (l DeviceList) Find(id string, kind DeviceKind) (DeviceDescriptor, bool) {
	for _, d := range l.Of(kind) {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceDescriptor{}, false
}
