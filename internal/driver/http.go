package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// defaultHTTPTimeoutMs bounds a single op's outbound call when the packet
// doesn't set one.
const defaultHTTPTimeoutMs = 15000

// HTTPDriver performs outbound HTTP requests for http.get/post/put/delete
// ops. Responses decode as JSON when the content type says so, otherwise
// the raw body is returned as text.
type HTTPDriver struct {
	client *http.Client
}

func NewHTTPDriver(client *http.Client) *HTTPDriver {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPDriver{client: client}
}

func (d *HTTPDriver) Name() string { return "http" }

func (d *HTTPDriver) Call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	switch method {
	case "get":
		return d.request(ctx, http.MethodGet, args, false)
	case "post":
		return d.request(ctx, http.MethodPost, args, true)
	case "put":
		return d.request(ctx, http.MethodPut, args, true)
	case "delete":
		return d.request(ctx, http.MethodDelete, args, false)
	}
	return nil, unknownMethod("HTTP", method)
}

func (d *HTTPDriver) request(ctx context.Context, verb string, args map[string]any, withBody bool) (map[string]any, error) {
	url := stringArg(args, "url")
	if url == "" {
		return nil, fmt.Errorf("http.%s requires a url", strings.ToLower(verb))
	}

	timeout := time.Duration(intArg(args, "timeout", defaultHTTPTimeoutMs)) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if withBody {
		payload := args["json"]
		if payload == nil {
			payload = args["body"]
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, verb, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if withBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var response any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			response = decoded
		}
	}

	return map[string]any{
		"response": response,
		"status":   resp.StatusCode,
		"ok":       resp.StatusCode >= 200 && resp.StatusCode < 300,
	}, nil
}
