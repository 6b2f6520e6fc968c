package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// RequestSpec fully describes one logical upstream call.
type RequestSpec struct {
	Method string
	Path   string // resolved against Config.BaseURL
	Query  url.Values
	Body   any // JSON encoded when non-nil
	Header http.Header
}

// Response is a successful upstream response with its body read into memory.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Attempts is the number of attempts the call needed.
	Attempts int
}

// DecodeJSON unmarshals the response body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}
