// Package daemon serves the validation engine over a unix control socket, an
// HTTP API with a websocket event stream, and a directory of cancel markers.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/tavalid/internal/logging"
	"github.com/cochaviz/tavalid/internal/validation"
)

const connDeadline = 30 * time.Second

type Options struct {
	SocketPath string
	// HTTPAddr enables the HTTP API when set.
	HTTPAddr string
	// SignalsDir enables cancel markers under SignalsDir/cancel when set.
	SignalsDir string
	Engine     Engine
	Events     *validation.Broadcaster
	Logger     *slog.Logger
}

type Server struct {
	socketPath string
	httpAddr   string
	signalsDir string
	engine     Engine
	events     *validation.Broadcaster
	logger     *slog.Logger
}

func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("daemon requires an engine")
	}
	socketPath := strings.TrimSpace(opts.SocketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Server{
		socketPath: socketPath,
		httpAddr:   strings.TrimSpace(opts.HTTPAddr),
		signalsDir: strings.TrimSpace(opts.SignalsDir),
		engine:     opts.Engine,
		events:     opts.Events,
		logger:     logging.Ensure(opts.Logger).With("component", "daemon"),
	}, nil
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := listenUnix(s.socketPath)
	if err != nil {
		return err
	}
	defer os.Remove(s.socketPath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return listener.Close()
	})
	g.Go(func() error {
		s.logger.Info("control socket listening", "socket", s.socketPath)
		return s.serveIPC(gctx, listener)
	})

	if s.httpAddr != "" {
		srv := &http.Server{
			Addr:              s.httpAddr,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			s.logger.Info("http api listening", "addr", s.httpAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if s.signalsDir != "" {
		watcher, err := newCancelWatcher(filepath.Join(s.signalsDir, "cancel"), s.engine, s.logger)
		if err != nil {
			listener.Close()
			return err
		}
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	err = g.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled)) {
		return nil
	}
	return err
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return listener, nil
}

func (s *Server) serveIPC(ctx context.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connDeadline))

	var req IPCRequest
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&req); err != nil {
		s.logger.Warn("malformed ipc request", "error", err)
		_ = json.NewEncoder(conn).Encode(IPCResponse{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}
	resp := s.Dispatch(ctx, req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Warn("failed to write ipc response", "command", req.Command, "error", err)
	}
}

// Dispatch executes one control command.
func (s *Server) Dispatch(ctx context.Context, req IPCRequest) IPCResponse {
	logger := s.logger.With("command", req.Command)
	if req.ID != "" {
		logger = logging.WithRequest(logger, req.ID)
	}

	var (
		data any
		err  error
	)
	switch req.Command {
	case CommandSubmit:
		var in validation.SubmitRequest
		if err = decodePayload(req.Payload, &in); err == nil {
			data, err = s.engine.Submit(ctx, in)
		}
	case CommandStatus:
		if err = requireID(req.ID); err == nil {
			data, err = s.engine.Status(ctx, req.ID)
		}
	case CommandCancel:
		if err = requireID(req.ID); err == nil {
			if err = s.engine.Cancel(ctx, req.ID); err == nil {
				data = map[string]string{"id": req.ID}
			}
		}
	case CommandList:
		var in ListRequest
		if err = decodePayload(req.Payload, &in); err == nil {
			var filter validation.Filter
			if filter, err = parseFilter(in); err == nil {
				data, err = s.engine.List(ctx, filter)
			}
		}
	default:
		err = fmt.Errorf("unknown command %q", req.Command)
	}

	if err != nil {
		logger.Debug("ipc command failed", "error", err)
		return errorResponse(err)
	}
	return IPCResponse{OK: true, Data: data}
}

func decodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode payload: %v", validation.ErrInvalid, err)
	}
	return nil
}

func requireID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: request id is required", validation.ErrInvalid)
	}
	return nil
}

func errorResponse(err error) IPCResponse {
	resp := IPCResponse{Error: err.Error()}
	if kind := validation.KindOf(err); kind != validation.KindInternal {
		resp.ErrorKind = string(kind)
	}
	return resp
}
