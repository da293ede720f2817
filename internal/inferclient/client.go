// Package inferclient talks to an inference server over the KServe v2
// protocol, either as JSON over HTTP or as protobuf over gRPC.
//
// Both transports implement Client, so the deploy, infer and perf commands
// do not care which one is configured. WaitReady polls a server until the
// given models can take traffic.
package inferclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shinji-kodama/treeserve/internal/config"
	"github.com/shinji-kodama/treeserve/internal/model"
)

// DatatypeFP32 is the only tensor datatype this package encodes.
const DatatypeFP32 = "FP32"

// ErrNotReady is returned by WaitReady when the server or a model is still
// not ready after the timeout.
var ErrNotReady = errors.New("inference server not ready")

// Client is a KServe v2 inference client.
type Client interface {
	ServerLive(ctx context.Context) (bool, error)
	ServerReady(ctx context.Context) (bool, error)

	// ModelReady reports whether the model can serve. An empty version
	// means the server's default version policy.
	ModelReady(ctx context.Context, name, version string) (bool, error)

	Infer(ctx context.Context, req *InferRequest) (*InferResponse, error)
	Close() error
}

// Options configures New.
type Options struct {
	// Timeout bounds each HTTP request. Zero means 30s. gRPC calls are
	// bounded by their context only.
	Timeout time.Duration

	Logger *zap.Logger
}

// New returns a client for protocol ("http" or "grpc") at addr (host:port).
func New(protocol, addr string, opts Options) (Client, error) {
	switch protocol {
	case config.ProtocolHTTP:
		return NewHTTPClient(addr, opts), nil
	case config.ProtocolGRPC:
		return NewGRPCClient(addr, opts)
	default:
		return nil, fmt.Errorf("unknown protocol %q (want %q or %q)", protocol, config.ProtocolHTTP, config.ProtocolGRPC)
	}
}

// Tensor is a named FP32 tensor in row-major order.
type Tensor struct {
	Name     string
	Datatype string
	Shape    []int64
	Data     []float32
}

// NewFP32Tensor checks that data fills shape exactly.
func NewFP32Tensor(name string, shape []int64, data []float32) (*Tensor, error) {
	n, err := elements(shape)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != n {
		return nil, fmt.Errorf("tensor %q: shape %v needs %d values, got %d", name, shape, n, len(data))
	}
	return &Tensor{Name: name, Datatype: DatatypeFP32, Shape: shape, Data: data}, nil
}

// FromRows flattens rows into a [len(rows), width] tensor.
func FromRows(name string, rows [][]float32) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("tensor %q: no rows", name)
	}
	width := len(rows[0])
	data := make([]float32, 0, len(rows)*width)
	for i, r := range rows {
		if len(r) != width {
			return nil, fmt.Errorf("tensor %q: row %d has %d values, want %d", name, i, len(r), width)
		}
		data = append(data, r...)
	}
	return NewFP32Tensor(name, []int64{int64(len(rows)), int64(width)}, data)
}

func elements(shape []int64) (int64, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("tensor shape is empty")
	}
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor shape %v has a negative dimension", shape)
		}
		n *= d
	}
	return n, nil
}

// Rows returns the first dimension.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return int(t.Shape[0])
}

// Width returns the product of all dimensions after the first, or 1 for a
// one-dimensional tensor.
func (t *Tensor) Width() int {
	w := 1
	for _, d := range t.Shape[1:] {
		w *= int(d)
	}
	return w
}

// Column returns column j of a [rows, width] tensor.
func (t *Tensor) Column(j int) ([]float32, error) {
	w := t.Width()
	if j < 0 || j >= w {
		return nil, fmt.Errorf("tensor %q: column %d out of range (width %d)", t.Name, j, w)
	}
	if len(t.Data) != t.Rows()*w {
		return nil, fmt.Errorf("tensor %q: %d values do not fill shape %v", t.Name, len(t.Data), t.Shape)
	}
	out := make([]float32, t.Rows())
	for i := range out {
		out[i] = t.Data[i*w+j]
	}
	return out, nil
}

// InferRequest is one inference call.
type InferRequest struct {
	Model   string
	Version string
	ID      string
	Inputs  []*Tensor

	// Outputs names the requested outputs. Empty means all outputs.
	Outputs []string
}

// InferResponse carries the outputs of one inference call.
type InferResponse struct {
	Model   string
	Version string
	ID      string
	Outputs []*Tensor
}

// Output returns the output tensor with the given name.
func (r *InferResponse) Output(name string) (*Tensor, error) {
	for _, o := range r.Outputs {
		if o.Name == name {
			return o, nil
		}
	}
	return nil, fmt.Errorf("response from %s has no output %q", r.Model, name)
}

// NewBatchRequest builds a request that sends rows as the forest backend's
// input tensor and asks for its probability output.
func NewBatchRequest(modelName string, rows [][]float32) (*InferRequest, error) {
	in, err := FromRows(model.InputTensor, rows)
	if err != nil {
		return nil, err
	}
	return &InferRequest{
		Model:   modelName,
		ID:      uuid.NewString(),
		Inputs:  []*Tensor{in},
		Outputs: []string{model.OutputTensor},
	}, nil
}

// PositiveClassProbabilities extracts the positive-class column from the
// named output: column 1 of a [batch, 2] probability tensor, or the only
// column of a [batch] or [batch, 1] tensor.
func PositiveClassProbabilities(resp *InferResponse, output string) ([]float64, error) {
	t, err := resp.Output(output)
	if err != nil {
		return nil, err
	}
	var col []float32
	switch t.Width() {
	case 1:
		col, err = t.Column(0)
	case 2:
		col, err = t.Column(1)
	default:
		return nil, fmt.Errorf("output %q has shape %v, want [batch, 2] or [batch]", output, t.Shape)
	}
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(col))
	for i, v := range col {
		out[i] = float64(v)
	}
	return out, nil
}
