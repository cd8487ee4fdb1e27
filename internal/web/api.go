package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/sweeney/channel-manager/internal/channel"
	"github.com/sweeney/channel-manager/internal/loop"
	"github.com/sweeney/channel-manager/internal/manager"
	"github.com/sweeney/channel-manager/internal/status"
	"github.com/sweeney/channel-manager/internal/validate"
)

// ChangeRequest is the body of POST /api/v1/channel/change.
type ChangeRequest struct {
	Channel uint8 `json:"channel" validate:"required,min=11,max=26"`
}

// SelectRequest is the body of POST /api/v1/channel/select.
type SelectRequest struct {
	SkipQualityCheck bool `json:"skip_quality_check"`
}

// DelayRequest is the body of PUT /api/v1/config/delay.
type DelayRequest struct {
	Seconds uint16 `json:"seconds" validate:"required"`
}

// AutoSelectRequest is the body of PUT /api/v1/config/auto-select.
// Either field may be omitted.
type AutoSelectRequest struct {
	Enabled         *bool   `json:"enabled"`
	IntervalSeconds *uint32 `json:"interval_seconds" validate:"omitempty,min=1"`
}

// ChannelsRequest is the body of the channel mask endpoints, e.g.
// {"channels": "11-14,20"}.
type ChannelsRequest struct {
	Channels channel.Mask `json:"channels"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error  string                `json:"error"`
	Fields []validate.FieldError `json:"fields,omitempty"`
}

var errBadRequest = errors.New("bad request")

func (s *Server) handleChange(w http.ResponseWriter, r *http.Request) {
	var req ChangeRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.apply(w, r, func(ctx context.Context) error {
		return s.ctrl.RequestChannelChange(ctx, req.Channel)
	})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	s.apply(w, r, func(ctx context.Context) error {
		return s.ctrl.RequestChannelSelect(ctx, req.SkipQualityCheck)
	})
}

func (s *Server) handleDelay(w http.ResponseWriter, r *http.Request) {
	var req DelayRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.apply(w, r, func(ctx context.Context) error {
		return s.ctrl.SetDelay(ctx, req.Seconds)
	})
}

func (s *Server) handleAutoSelect(w http.ResponseWriter, r *http.Request) {
	var req AutoSelectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil && req.IntervalSeconds == nil {
		s.writeError(w, r, fmt.Errorf("%w: one of enabled or interval_seconds is required", errBadRequest))
		return
	}
	s.apply(w, r, func(ctx context.Context) error {
		// Interval first so enabling starts the timer with the new period.
		if req.IntervalSeconds != nil {
			if err := s.ctrl.SetAutoChannelSelectionInterval(ctx, *req.IntervalSeconds); err != nil {
				return err
			}
		}
		if req.Enabled != nil {
			return s.ctrl.SetAutoChannelSelection(ctx, *req.Enabled)
		}
		return nil
	})
}

func (s *Server) handleSupported(w http.ResponseWriter, r *http.Request) {
	var req ChannelsRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.apply(w, r, func(ctx context.Context) error {
		return s.ctrl.SetSupportedChannels(ctx, req.Channels)
	})
}

func (s *Server) handleFavored(w http.ResponseWriter, r *http.Request) {
	var req ChannelsRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.apply(w, r, func(ctx context.Context) error {
		return s.ctrl.SetFavoredChannels(ctx, req.Channels)
	})
}

// decode reads and validates a JSON body. It writes the error response and
// returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return false
	}
	if err := validate.Struct(v); err != nil {
		s.writeError(w, r, err)
		return false
	}
	return true
}

// apply runs op and responds with the resulting status.
func (s *Server) apply(w http.ResponseWriter, r *http.Request, op func(ctx context.Context) error) {
	if err := op(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(s.tracker.Snapshot()))
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Error: err.Error()}
	code := http.StatusInternalServerError

	var verrs *validate.Errors
	switch {
	case errors.As(err, &verrs):
		code = http.StatusBadRequest
		resp.Fields = verrs.Errors
	case errors.Is(err, errBadRequest), errors.Is(err, manager.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, manager.ErrInvalidState):
		code = http.StatusConflict
	case errors.Is(err, manager.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, loop.ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}

	if code >= http.StatusInternalServerError {
		s.log.Warn("api request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
