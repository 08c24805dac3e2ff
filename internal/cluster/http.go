package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// StatusError is returned by the JSON helpers when the peer answers with a
// non-2xx status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.Code)
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON sends body as JSON to url and decodes the response into out,
// unless out is nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, http.MethodPost, url, body, out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, http.MethodGet, url, nil, out)
}

// DeleteJSON sends a DELETE to url and decodes the response into out, unless out is nil.
func DeleteJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, http.MethodDelete, url, nil, out)
}

func doJSON(ctx context.Context, method, url string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(reqBody)
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
