package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/domain"
)

type Session interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() domain.SessionState
	CorrelationID() domain.CorrelationID
	SetAudioInputDevice(ctx context.Context, id string) error
	SetAudioOutputDevice(id string) error
}

type Devices interface {
	Enumerate(ctx context.Context) (domain.DeviceList, error)
	List() domain.DeviceList
	Selected() domain.SelectedDevices
}

type TonePlayer interface {
	TestTone(ctx context.Context, deviceID string) error
}

type Resetter interface {
	Reset(ctx context.Context) error
}

type SessionResponse struct {
	State domain.SessionState `json:"state"`
	CID   string              `json:"cid,omitempty"`
}

type DevicesResponse struct {
	Devices  domain.DeviceList      `json:"devices"`
	Selected domain.SelectedDevices `json:"selected"`
}

type DeviceRequest struct {
	ID string `json:"id" binding:"max=512"`
}

type ErrorResponse struct {
	Error    string               `json:"error"`
	Category domain.ErrorCategory `json:"category,omitempty"`
}

type handlers struct {
	deps Deps
}

func (h *handlers) session() SessionResponse {
	return SessionResponse{
		State: h.deps.Session.State(),
		CID:   string(h.deps.Session.CorrelationID()),
	}
}

func (h *handlers) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.session())
}

// connect blocks until the session is connected or the attempt fails. A
// client that goes away aborts the attempt.
func (h *handlers) connect(c *gin.Context) {
	if err := h.deps.Session.Connect(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.session())
}

func (h *handlers) disconnect(c *gin.Context) {
	h.deps.Session.Disconnect()
	c.JSON(http.StatusOK, h.session())
}

func (h *handlers) reset(c *gin.Context) {
	if h.deps.Resetter == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "reset not supported"})
		return
	}
	if err := h.deps.Resetter.Reset(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) listDevices(c *gin.Context) {
	list, err := h.deps.Devices.Enumerate(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, DevicesResponse{Devices: list, Selected: h.deps.Devices.Selected()})
}

func (h *handlers) selectDevice(c *gin.Context) {
	kind, err := domain.ParseDeviceKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}
	var req DeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing or invalid id"})
		return
	}

	if kind == domain.DeviceInput {
		err = h.deps.Session.SetAudioInputDevice(c.Request.Context(), req.ID)
	} else {
		err = h.deps.Session.SetAudioOutputDevice(req.ID)
	}
	if err != nil {
		abortWithError(c, err)
		return
	}

	resp := DevicesResponse{Devices: h.deps.Devices.List(), Selected: h.deps.Devices.Selected()}
	if h.deps.Hub != nil {
		h.deps.Hub.OnDevices(resp.Devices, resp.Selected)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) testOutput(c *gin.Context) {
	if h.deps.Tones == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "test tone not supported"})
		return
	}
	var req DeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing or invalid id"})
		return
	}
	if err := h.deps.Tones.TestTone(c.Request.Context(), req.ID); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func abortWithError(c *gin.Context, err error) {
	status := statusOf(err)
	ev := log.Warn()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Int("status", status).Msg("request failed")
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:    domain.UserMessage(err),
		Category: domain.Category(err),
	})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrDeviceNotFound), errors.Is(err, domain.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNetwork):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrRemoteRejected), errors.Is(err, domain.ErrMalformedMessage):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrAborted):
		return http.StatusConflict
	case errors.Is(err, domain.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
