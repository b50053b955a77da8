package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/semblance-ai/semblance/internal/action"
	"github.com/semblance-ai/semblance/internal/semerr"
)

// httpRequestPayload is the subset of a service.api_call / model.download
// payload this adapter understands. Fields beyond these are ignored —
// the payload is freeform per spec.md §6.2, and validation of anything
// domain-specific is the concern of whatever built the request, not this
// adapter.
type httpRequestPayload struct {
	URL    string            `json:"url"`
	Method string            `json:"method"`
	Body   json.RawMessage   `json:"body"`
	Header map[string]string `json:"header"`
}

// HTTPResponse is what this adapter returns as the Response's data field.
type HTTPResponse struct {
	StatusCode int             `json:"statusCode"`
	Body       json.RawMessage `json:"body"`
}

// HTTP returns an adapter that performs a single outbound HTTP call,
// matching the generic shape of service.api_call / model.download. The
// caller (the gatewayapp dispatch pipeline) has already checked the
// target domain against the allowlist before reaching this adapter — the
// adapter itself does not re-check, since by the time Call runs the
// outcome of that gate is no longer the adapter's concern.
func HTTP(client *http.Client, timeout time.Duration) func(ctx context.Context, actionType action.Type, payload json.RawMessage) (json.RawMessage, *semerr.Error) {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return func(ctx context.Context, actionType action.Type, payload json.RawMessage) (json.RawMessage, *semerr.Error) {
		var in httpRequestPayload
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, semerr.Wrap(semerr.CodeSchemaViolation, fmt.Sprintf("%s: payload is not a valid request object", actionType), err)
		}
		if in.URL == "" {
			return nil, semerr.New(semerr.CodeSchemaViolation, fmt.Sprintf("%s: payload.url is required", actionType))
		}
		method := in.Method
		if method == "" {
			method = http.MethodGet
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var body io.Reader
		if len(in.Body) > 0 {
			body = bytes.NewReader(in.Body)
		}

		httpReq, err := http.NewRequestWithContext(ctx, method, in.URL, body)
		if err != nil {
			return nil, semerr.Wrap(semerr.CodeSchemaViolation, fmt.Sprintf("%s: build request", actionType), err)
		}
		for k, v := range in.Header {
			httpReq.Header.Set(k, v)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, semerr.Wrap(semerr.CodeTimeout, fmt.Sprintf("%s: request timed out", actionType), err)
			}
			return nil, semerr.Wrap(semerr.CodeServerUnreachable, fmt.Sprintf("%s: request failed", actionType), err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, semerr.Wrap(semerr.CodeServerUnreachable, fmt.Sprintf("%s: read response", actionType), err)
		}

		out := HTTPResponse{StatusCode: resp.StatusCode, Body: json.RawMessage(respBody)}
		if !json.Valid(respBody) {
			marshaled, err := json.Marshal(string(respBody))
			if err != nil {
				return nil, semerr.Wrap(semerr.CodeServerUnreachable, fmt.Sprintf("%s: encode response body", actionType), err)
			}
			out.Body = marshaled
		}

		data, err := json.Marshal(out)
		if err != nil {
			return nil, semerr.Wrap(semerr.CodeServerUnreachable, fmt.Sprintf("%s: encode response", actionType), err)
		}
		return data, nil
	}
}
