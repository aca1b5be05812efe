package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cochaviz/tavalid/internal/validation"
)

const (
	CommandSubmit = "submit"
	CommandStatus = "status"
	CommandCancel = "cancel"
	CommandList   = "list"
)

// IPCRequest is one newline-delimited JSON message on the control socket.
type IPCRequest struct {
	Command string          `json:"command"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type IPCResponse struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// SubmitResult reports a new request. Admitted is false when the gate was
// full; the daemon retries on its own after RetryAfter.
type SubmitResult struct {
	Request    validation.StatusView `json:"request"`
	Admitted   bool                  `json:"admitted"`
	RetryAfter time.Duration         `json:"retry_after_ns,omitempty"`
}

type ListRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Engine is what the daemon exposes over IPC and HTTP.
type Engine interface {
	Submit(ctx context.Context, in validation.SubmitRequest) (SubmitResult, error)
	Status(ctx context.Context, id string) (validation.StatusView, error)
	Cancel(ctx context.Context, id string) error
	List(ctx context.Context, filter validation.Filter) ([]validation.StatusView, error)
}

type engine struct {
	dispatcher  *validation.Dispatcher
	coordinator *validation.Coordinator
}

// NewEngine exposes a coordinator whose submissions go through dispatcher.
func NewEngine(dispatcher *validation.Dispatcher, coordinator *validation.Coordinator) Engine {
	return &engine{dispatcher: dispatcher, coordinator: coordinator}
}

func (e *engine) Submit(ctx context.Context, in validation.SubmitRequest) (SubmitResult, error) {
	req, err := e.dispatcher.Submit(ctx, in)
	if err != nil {
		return SubmitResult{}, err
	}
	res := SubmitResult{Request: req.View(), Admitted: req.Status != validation.StatusQueued}
	if !res.Admitted {
		res.RetryAfter = e.coordinator.RetryDelay()
	}
	return res, nil
}

func (e *engine) Status(ctx context.Context, id string) (validation.StatusView, error) {
	return e.coordinator.Status(ctx, id)
}

func (e *engine) Cancel(ctx context.Context, id string) error {
	return e.coordinator.Cancel(ctx, id)
}

func (e *engine) List(ctx context.Context, filter validation.Filter) ([]validation.StatusView, error) {
	reqs, err := e.coordinator.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]validation.StatusView, len(reqs))
	for i, r := range reqs {
		views[i] = r.View()
	}
	return views, nil
}

func parseFilter(in ListRequest) (validation.Filter, error) {
	filter := validation.Filter{Limit: in.Limit}
	if in.Status != "" {
		status, err := validation.ParseStatus(in.Status)
		if err != nil {
			return filter, fmt.Errorf("%w: %v", validation.ErrInvalid, err)
		}
		filter.Status = status
	}
	return filter, nil
}
