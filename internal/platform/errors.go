package platform

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError represents a non-success answer from the management API.
type APIError struct {
	StatusCode int
	Messages   []string
}

func (e *APIError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("management api error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("management api error (status %d): %s", e.StatusCode, strings.Join(e.Messages, "; "))
}

// NetworkError represents a transport-level failure.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// SearchError is returned when a search job finishes in a failed state.
type SearchError struct {
	SID      string
	Messages []string
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("search job %s failed: %s", e.SID, strings.Join(e.Messages, "; "))
}

// IsNotFound reports whether err is a 404 from the management API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func newAPIError(status int, payload []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var body struct {
		Messages []message `json:"messages"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		for _, m := range body.Messages {
			apiErr.Messages = append(apiErr.Messages, m.String())
		}
	} else if text := strings.TrimSpace(string(payload)); text != "" {
		if len(text) > 512 {
			text = text[:512]
		}
		apiErr.Messages = []string{text}
	}
	return apiErr
}

type message struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (m message) String() string {
	if m.Type == "" {
		return m.Text
	}
	return m.Type + ": " + m.Text
}
