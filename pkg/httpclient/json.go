package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// JSONRequest describes one call made by DoJSON.
type JSONRequest struct {
	Method     string
	URL        string
	Body       any
	Headers    map[string]string
	Downstream string
}

// DoJSON encodes req.Body, sends it through d, and decodes a 2xx answer into out
// (which may be nil). Non-2xx answers go through ParseResponseError and transport
// failures through AsUnavailable.
func DoJSON(ctx context.Context, d Doer, req JSONRequest, out any) error {
	var body io.Reader = http.NoBody
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", req.Downstream, err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", req.Downstream, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.Do(ctx, httpReq)
	if err != nil {
		return AsUnavailable(err, req.Downstream)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ParseResponseError(resp, req.Downstream)
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.Downstream, err)
	}
	return nil
}
