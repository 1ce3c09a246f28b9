package ipc

import (
	"encoding/json"
	"io"

	"github.com/ethereum/go-ethereum/log"
)

// Handler answers requests arriving on the supervisor's end of the channel.
// The backend process implements the actual snapshot and console
// operations; the scheduler only ever sees this boundary.
type Handler interface {
	Handle(req Request) (any, error)
}

// FinalStatus is the worker's terminal report, carried by the tests_done
// message right before the worker closes its end.
type FinalStatus struct {
	Died      bool
	Completed bool
}

// Serve reads requests from conn and answers them via h until the worker
// reports tests_done or closes the channel. A closed channel without a
// tests_done message yields a nil status.
func Serve(conn io.ReadWriteCloser, h Handler, logger log.Logger) (*FinalStatus, error) {
	if logger == nil {
		logger = log.New()
		logger.Error("No logger provided, using default")
	}
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if err == io.EOF {
				logger.Debug("Worker closed the channel without tests_done")
				return nil, nil
			}
			return nil, &ChannelError{Op: "read request", Err: err}
		}

		cmd := req.Cmd()
		if cmd == "tests_done" {
			status := &FinalStatus{
				Died:      req.Bool("died"),
				Completed: req.Bool("completed"),
			}
			logger.Debug("Worker reported tests_done", "died", status.Died, "completed", status.Completed)
			return status, nil
		}

		ret, err := h.Handle(req)
		resp := Response{"ret": ret}
		if err != nil {
			logger.Warn("Backend handler failed", "cmd", cmd, "err", err)
			resp["error"] = err.Error()
		}
		if err := enc.Encode(resp); err != nil {
			return nil, &ChannelError{Op: "write response", Err: err}
		}
	}
}

// ProxyHandler forwards every request unchanged to another channel,
// typically a socket connected to the backend process.
type ProxyHandler struct {
	ch *Channel
}

// NewProxyHandler builds a handler relaying requests over ch.
func NewProxyHandler(ch *Channel) *ProxyHandler {
	return &ProxyHandler{ch: ch}
}

func (p *ProxyHandler) Handle(req Request) (any, error) {
	resp, err := p.ch.CallRaw(req)
	if err != nil {
		return nil, err
	}
	return resp.Ret(), nil
}

// AckHandler acknowledges every request with a canned answer. It stands in
// for a backend during dry runs; backend_can_handle answers report the
// configured snapshot capability.
type AckHandler struct {
	Snapshots bool
}

func (a *AckHandler) Handle(req Request) (any, error) {
	if req.Cmd() == "backend_can_handle" && req.String("function") == "snapshots" {
		return a.Snapshots, nil
	}
	return 1, nil
}
