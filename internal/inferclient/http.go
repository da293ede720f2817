package inferclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shinji-kodama/treeserve/internal/logging"
)

// HTTPClient speaks the KServe v2 REST protocol.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// NewHTTPClient returns a client for addr, which is host:port or a full
// http(s) URL.
func NewHTTPClient(addr string, opts Options) *HTTPClient {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
		log:     logging.OrNop(opts.Logger),
	}
}

type jsonTensor struct {
	Name     string    `json:"name"`
	Shape    []int64   `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float32 `json:"data"`
}

type jsonOutput struct {
	Name string `json:"name"`
}

type jsonInferRequest struct {
	ID      string       `json:"id,omitempty"`
	Inputs  []jsonTensor `json:"inputs"`
	Outputs []jsonOutput `json:"outputs,omitempty"`
}

type jsonInferResponse struct {
	ModelName    string       `json:"model_name"`
	ModelVersion string       `json:"model_version"`
	ID           string       `json:"id"`
	Outputs      []jsonTensor `json:"outputs"`
}

type jsonError struct {
	Error string `json:"error"`
}

// ServerLive calls GET /v2/health/live.
func (c *HTTPClient) ServerLive(ctx context.Context) (bool, error) {
	return c.probe(ctx, "/v2/health/live")
}

// ServerReady calls GET /v2/health/ready.
func (c *HTTPClient) ServerReady(ctx context.Context) (bool, error) {
	return c.probe(ctx, "/v2/health/ready")
}

// ModelReady calls GET /v2/models/{name}[/versions/{version}]/ready.
func (c *HTTPClient) ModelReady(ctx context.Context, name, version string) (bool, error) {
	return c.probe(ctx, modelPath(name, version)+"/ready")
}

// probe treats 200 as true and any other status as false. Only transport
// failures are errors.
func (c *HTTPClient) probe(ctx context.Context, path string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	c.log.Debug("probe", zap.String("path", path), zap.Int("status", resp.StatusCode))
	return resp.StatusCode == http.StatusOK, nil
}

// Infer calls POST /v2/models/{name}[/versions/{version}]/infer.
func (c *HTTPClient) Infer(ctx context.Context, r *InferRequest) (*InferResponse, error) {
	body := jsonInferRequest{ID: r.ID}
	for _, in := range r.Inputs {
		body.Inputs = append(body.Inputs, jsonTensor{
			Name:     in.Name,
			Shape:    in.Shape,
			Datatype: in.Datatype,
			Data:     in.Data,
		})
	}
	for _, name := range r.Outputs {
		body.Outputs = append(body.Outputs, jsonOutput{Name: name})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode inference request: %w", err)
	}

	path := modelPath(r.Model, r.Version) + "/infer"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("POST %s: failed to read response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var e jsonError
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("POST %s: %s: %s", path, resp.Status, e.Error)
		}
		return nil, fmt.Errorf("POST %s: %s", path, resp.Status)
	}

	var out jsonInferResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("POST %s: invalid response: %w", path, err)
	}

	result := &InferResponse{Model: out.ModelName, Version: out.ModelVersion, ID: out.ID}
	for _, o := range out.Outputs {
		if o.Datatype != DatatypeFP32 {
			return nil, fmt.Errorf("output %q has datatype %s, only %s is supported", o.Name, o.Datatype, DatatypeFP32)
		}
		t, err := NewFP32Tensor(o.Name, o.Shape, o.Data)
		if err != nil {
			return nil, err
		}
		result.Outputs = append(result.Outputs, t)
	}
	return result, nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func modelPath(name, version string) string {
	p := "/v2/models/" + url.PathEscape(name)
	if version != "" {
		p += "/versions/" + url.PathEscape(version)
	}
	return p
}
