package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// GetJSON issues a GET and decodes the JSON response into out (if non-nil).
func (c *Client) GetJSON(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: q})
	if err != nil {
		return err
	}
	return decodeBody(resp, out)
}

// PostJSON encodes in as the request body, issues a POST and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	return c.DoJSON(ctx, Request{Method: http.MethodPost, Path: path}, in, out)
}

// PostJSONOnce is PostJSON without transient retries (non-idempotent calls).
func (c *Client) PostJSONOnce(ctx context.Context, path string, in, out any) error {
	return c.DoJSON(ctx, Request{Method: http.MethodPost, Path: path, NoRetry: true}, in, out)
}

// DoJSON sends req with in encoded as its JSON body (skipped when in is nil)
// and decodes the response into out.
func (c *Client) DoJSON(ctx context.Context, req Request, in, out any) error {
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", req.Path, err)
		}
		req.Body = b
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	return decodeBody(resp, out)
}

func decodeBody(resp *Response, out any) error {
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// parseErrorBody extracts a code and message from the backend's error shapes:
//
//	{"detail": "..."}                        (FastAPI-style)
//	{"detail": [{"msg": "..."}]}             (validation errors)
//	{"error": {"code": "...", "message": "..."}}
//	{"message": "..."}
func parseErrorBody(body []byte) (code, message string) {
	if len(body) == 0 {
		return "", ""
	}

	var raw struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", ""
	}

	if raw.Error != nil {
		return strings.TrimSpace(raw.Error.Code), strings.TrimSpace(raw.Error.Message)
	}

	if len(raw.Detail) > 0 {
		var s string
		if err := json.Unmarshal(raw.Detail, &s); err == nil {
			return "", strings.TrimSpace(s)
		}
		var items []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(raw.Detail, &items); err == nil {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if m := strings.TrimSpace(it.Msg); m != "" {
					msgs = append(msgs, m)
				}
			}
			return "", strings.Join(msgs, "; ")
		}
	}

	return "", strings.TrimSpace(raw.Message)
}
