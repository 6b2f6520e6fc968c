package marketdata

import (
	"encoding/json"

	"github.com/Sternrassler/quote-client/pkg/client"
	"github.com/Sternrassler/quote-client/pkg/failure"
)

// envelope is the wrapper every quote API response uses.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// decodeEnvelope unwraps resp into out. A success=false envelope becomes a
// rate-limited error when its message mentions a rate limit, otherwise a
// fatal one.
func decodeEnvelope(resp *client.Response, out any) error {
	var env envelope
	if err := resp.DecodeJSON(&env); err != nil {
		return failure.Fatal(resp.StatusCode, "malformed response envelope", err)
	}

	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "upstream reported failure"
		}
		if client.HasRateLimitMarker([]byte(msg)) {
			return failure.RateLimited(resp.StatusCode, msg)
		}
		return failure.Fatal(resp.StatusCode, msg, nil)
	}

	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return failure.Fatal(resp.StatusCode, "malformed response data", err)
	}
	return nil
}
