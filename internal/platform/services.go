package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ServerInfo is the subset of /services/server/info used by readiness probes.
type ServerInfo struct {
	ServerName string `json:"serverName"`
	Version    string `json:"version"`
	Build      string `json:"build"`
	HealthInfo string `json:"health_info"`
}

type feed[T any] struct {
	Entry []struct {
		Name    string `json:"name"`
		Content T      `json:"content"`
	} `json:"entry"`
}

// ServerInfo returns instance metadata. A successful answer means splunkd is
// accepting management requests.
func (c *Client) ServerInfo(ctx context.Context) (ServerInfo, error) {
	var out feed[ServerInfo]
	if _, err := c.call(ctx, http.MethodGet, "/services/server/info", nil, &out); err != nil {
		return ServerInfo{}, err
	}
	if len(out.Entry) == 0 {
		return ServerInfo{}, fmt.Errorf("server info: empty response")
	}
	return out.Entry[0].Content, nil
}

// Ready reports whether the instance answers and does not report red health.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	info, err := c.ServerInfo(ctx)
	if err != nil {
		return false, err
	}
	return !strings.EqualFold(info.HealthInfo, "red"), nil
}

// Restart asks splunkd to restart itself. The instance becomes unreachable
// shortly after the call returns.
func (c *Client) Restart(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodPost, "/services/server/control/restart", url.Values{}, nil)
	return err
}

// AppInstalled reports whether an app with the given directory name is known.
func (c *Client) AppInstalled(ctx context.Context, name string) (bool, error) {
	_, err := c.call(ctx, http.MethodGet, "/services/apps/local/"+url.PathEscape(name), nil, nil)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateIndex creates an event index. An index that already exists is not an
// error.
func (c *Client) CreateIndex(ctx context.Context, name string) error {
	_, err := c.call(ctx, http.MethodPost, "/services/data/indexes", url.Values{"name": []string{name}}, nil, http.StatusConflict)
	if err != nil {
		return fmt.Errorf("create index %s: %w", name, err)
	}
	return nil
}

type jobStatus struct {
	IsDone        bool            `json:"isDone"`
	IsFailed      bool            `json:"isFailed"`
	DispatchState string          `json:"dispatchState"`
	ResultCount   int             `json:"resultCount"`
	DoneProgress  float64         `json:"doneProgress"`
	Messages      json.RawMessage `json:"messages"`
}

// Search runs a search job to completion and returns its result rows. The
// search string is prefixed with "search" unless it starts with a pipe or the
// search command already.
func (c *Client) Search(ctx context.Context, spl string) ([]map[string]any, error) {
	spl = strings.TrimSpace(spl)
	if !strings.HasPrefix(spl, "|") && !strings.HasPrefix(spl, "search ") {
		spl = "search " + spl
	}

	var created struct {
		SID string `json:"sid"`
	}
	form := url.Values{
		"search":    []string{spl},
		"exec_mode": []string{"normal"},
	}
	if _, err := c.call(ctx, http.MethodPost, "/services/search/jobs", form, &created); err != nil {
		return nil, fmt.Errorf("create search job: %w", err)
	}
	if created.SID == "" {
		return nil, fmt.Errorf("create search job: no sid returned")
	}

	if err := c.waitForJob(ctx, created.SID); err != nil {
		return nil, err
	}

	var results struct {
		Results []map[string]any `json:"results"`
	}
	path := "/services/search/jobs/" + url.PathEscape(created.SID) + "/results"
	if _, err := c.call(ctx, http.MethodGet, path, url.Values{"count": []string{"0"}}, &results); err != nil {
		return nil, fmt.Errorf("fetch results for %s: %w", created.SID, err)
	}
	return results.Results, nil
}

func (c *Client) waitForJob(ctx context.Context, sid string) error {
	path := "/services/search/jobs/" + url.PathEscape(sid)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var status feed[jobStatus]
		if _, err := c.call(ctx, http.MethodGet, path, nil, &status); err != nil {
			return fmt.Errorf("poll search job %s: %w", sid, err)
		}
		if len(status.Entry) > 0 {
			job := status.Entry[0].Content
			if job.IsFailed || strings.EqualFold(job.DispatchState, "FAILED") {
				return &SearchError{SID: sid, Messages: jobMessages(job.Messages)}
			}
			if job.IsDone {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// jobMessages flattens the job "messages" attribute, which is either an
// object keyed by severity or a list of {type, text} entries.
func jobMessages(raw json.RawMessage) []string {
	var msgs []string

	var bySeverity map[string][]string
	if err := json.Unmarshal(raw, &bySeverity); err == nil {
		for level, texts := range bySeverity {
			for _, text := range texts {
				msgs = append(msgs, level+": "+text)
			}
		}
		sort.Strings(msgs)
		return msgs
	}

	var list []message
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, m := range list {
			msgs = append(msgs, m.String())
		}
	}
	return msgs
}

// Int reads a numeric result field. Search results encode numbers as strings.
func Int(row map[string]any, key string) (int64, bool) {
	switch v := row[key].(type) {
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return int64(n), true
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// String reads a string result field. Multivalue fields yield their first value.
func String(row map[string]any, key string) string {
	switch v := row[key].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			return fmt.Sprint(v[0])
		}
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
	return ""
}
