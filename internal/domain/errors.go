package domain

import "errors"

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrDeviceNotFound   = errors.New("no capture device found")
	ErrNetwork          = errors.New("signaling network error")
	ErrRemoteRejected   = errors.New("remote rejected the offer")
	ErrMalformedMessage = errors.New("malformed control message")

	ErrUnknownDevice = errors.New("unknown device")
	ErrAborted       = errors.New("connection attempt aborted")
	ErrNotConnected  = errors.New("not connected")
	ErrClosed        = errors.New("client closed")
)

type ErrorCategory string

const (
	CategoryPermissionDenied ErrorCategory = "permission_denied"
	CategoryDeviceNotFound   ErrorCategory = "device_not_found"
	CategoryNetwork          ErrorCategory = "network"
	CategoryRemoteRejected   ErrorCategory = "remote_rejected"
	CategoryMalformedMessage ErrorCategory = "malformed_message"
	CategoryUnknownDevice    ErrorCategory = "unknown_device"
	CategoryAborted          ErrorCategory = "aborted"
	CategoryInternal         ErrorCategory = "internal"
)

var categories = []struct {
	err error
	cat ErrorCategory
	msg string
}{
	{ErrPermissionDenied, CategoryPermissionDenied, "Microphone access denied. Please allow microphone access and try again."},
	{ErrDeviceNotFound, CategoryDeviceNotFound, "No microphone detected. Please connect a microphone and try again."},
	{ErrNetwork, CategoryNetwork, "Could not reach the voice service. Check your connection and try again."},
	{ErrRemoteRejected, CategoryRemoteRejected, "The voice service refused the connection. Please try again later."},
	{ErrMalformedMessage, CategoryMalformedMessage, "Received an unreadable message from the voice service."},
	{ErrUnknownDevice, CategoryUnknownDevice, "The selected audio device is no longer available."},
	{ErrAborted, CategoryAborted, "Connection cancelled."},
}

// Category maps an error to its stable category name.
func Category(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	for _, c := range categories {
		if errors.Is(err, c.err) {
			return c.cat
		}
	}
	return CategoryInternal
}

// UserMessage returns the text shown to the user for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range categories {
		if errors.Is(err, c.err) {
			return c.msg
		}
	}
	return err.Error()
}
