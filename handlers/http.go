package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/flowstate-io/flowstate/types"
)

// KindHTTP performs a network call.
const KindHTTP = "http"

type httpConfig struct {
	Method       string            `mapstructure:"method"`
	URL          string            `mapstructure:"url"`
	Headers      map[string]string `mapstructure:"headers"`
	Body         string            `mapstructure:"body"`
	ExpectStatus int               `mapstructure:"expect_status"`
}

// HTTPHandler issues one HTTP request per invocation. The response
// status lands in the output so a downstream decision node can branch on
// it; the call only fails when the request itself fails or an explicitly
// configured expect_status mismatches.
type HTTPHandler struct {
	client *http.Client
}

func NewHTTPHandler(client *http.Client) *HTTPHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPHandler{client: client}
}

func (h *HTTPHandler) Kind() string { return KindHTTP }

func (h *HTTPHandler) Execute(ctx context.Context, node types.Node, input map[string]interface{}) (*Result, error) {
	var cfg httpConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("http node %s: url is required", node.ID)
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if cfg.Body != "" {
		body = strings.NewReader(cfg.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
	if err != nil {
		return nil, fmt.Errorf("http node %s: %w", node.ID, err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s failed: %w", method, cfg.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", cfg.URL, err)
	}

	out := map[string]interface{}{
		"status": resp.StatusCode,
		"body":   string(raw),
	}
	// Expose decoded JSON bodies so decision rules can reach into them.
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err == nil {
			out["json"] = decoded
		}
	}

	if cfg.ExpectStatus > 0 && resp.StatusCode != cfg.ExpectStatus {
		return nil, fmt.Errorf("unexpected status %d from %s (want %d)", resp.StatusCode, cfg.URL, cfg.ExpectStatus)
	}
	return &Result{Output: out}, nil
}
