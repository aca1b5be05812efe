package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cochaviz/tavalid/internal/validation"
)

const DefaultSocketPath = "/var/run/tavalid/daemon.sock"

type DaemonClient interface {
	Submit(req validation.SubmitRequest) (SubmitResult, error)
	Status(id string) (validation.StatusView, error)
	Cancel(id string) error
	List(req ListRequest) ([]validation.StatusView, error)
}

// RemoteError is a failure reported by the daemon.
type RemoteError struct {
	Message string
	Kind    string
}

func (e *RemoteError) Error() string {
	return e.Message
}

type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) DaemonClient {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (c *Client) send(request IPCRequest, response any) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var resp struct {
		OK        bool            `json:"ok"`
		Error     string          `json:"error"`
		ErrorKind string          `json:"error_kind"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		if resp.Error != "" {
			return &RemoteError{Message: resp.Error, Kind: resp.ErrorKind}
		}
		return errors.New("daemon request failed")
	}
	if response != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, response); err != nil {
			return fmt.Errorf("unmarshal response payload: %w", err)
		}
	}
	return nil
}

func (c *Client) Submit(req validation.SubmitRequest) (SubmitResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return SubmitResult{}, err
	}
	var result SubmitResult
	if err := c.send(IPCRequest{Command: CommandSubmit, Payload: payload}, &result); err != nil {
		return SubmitResult{}, err
	}
	return result, nil
}

func (c *Client) Status(id string) (validation.StatusView, error) {
	var view validation.StatusView
	if err := c.send(IPCRequest{Command: CommandStatus, ID: id}, &view); err != nil {
		return validation.StatusView{}, err
	}
	return view, nil
}

func (c *Client) Cancel(id string) error {
	return c.send(IPCRequest{Command: CommandCancel, ID: id}, nil)
}

func (c *Client) List(req ListRequest) ([]validation.StatusView, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var views []validation.StatusView
	if err := c.send(IPCRequest{Command: CommandList, Payload: payload}, &views); err != nil {
		return nil, err
	}
	return views, nil
}

// Watch follows the event stream of id on the HTTP API at baseURL and calls fn
// for every event. It returns the last event once the request is terminal.
func Watch(ctx context.Context, baseURL, id string, fn func(validation.Event)) (validation.Event, error) {
	endpoint, err := eventsURL(baseURL, id)
	if err != nil {
		return validation.Event{}, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return validation.Event{}, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var last validation.Event
	for {
		var ev validation.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && last.Terminal() {
				return last, nil
			}
			return last, fmt.Errorf("read event: %w", err)
		}
		last = ev
		if fn != nil {
			fn(ev)
		}
	}
}

func eventsURL(baseURL, id string) (string, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Host == "" {
		return "", fmt.Errorf("api url %q has no host", baseURL)
	}
	return u.JoinPath("v1", "validations", id, "events").String(), nil
}
