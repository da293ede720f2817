package inferclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/shinji-kodama/treeserve/internal/logging"
)

// GRPCClient speaks the KServe v2 gRPC protocol.
type GRPCClient struct {
	conn *grpc.ClientConn
	log  *zap.Logger
}

// NewGRPCClient creates a client for addr (host:port). The connection is
// established lazily on the first call.
func NewGRPCClient(addr string, opts Options) (*GRPCClient, error) {
	if _, err := kserve(); err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", addr, err)
	}
	return &GRPCClient{conn: conn, log: logging.OrNop(opts.Logger)}, nil
}

func (c *GRPCClient) invoke(ctx context.Context, method string, req *dynamicpb.Message, respType string) (*dynamicpb.Message, error) {
	resp, err := newMessage(respType)
	if err != nil {
		return nil, err
	}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return resp, nil
}

func (c *GRPCClient) boolCall(ctx context.Context, method, reqType, respType, field string, fill func(protoreflect.Message)) (bool, error) {
	req, err := newMessage(reqType)
	if err != nil {
		return false, err
	}
	if fill != nil {
		fill(req)
	}
	resp, err := c.invoke(ctx, method, req, respType)
	if err != nil {
		return false, err
	}
	v := resp.Get(fieldOf(resp, field)).Bool()
	c.log.Debug("probe", zap.String("method", method), zap.Bool(field, v))
	return v, nil
}

// ServerLive calls ServerLive.
func (c *GRPCClient) ServerLive(ctx context.Context) (bool, error) {
	return c.boolCall(ctx, methodServerLive, "ServerLiveRequest", "ServerLiveResponse", "live", nil)
}

// ServerReady calls ServerReady.
func (c *GRPCClient) ServerReady(ctx context.Context) (bool, error) {
	return c.boolCall(ctx, methodServerReady, "ServerReadyRequest", "ServerReadyResponse", "ready", nil)
}

// ModelReady calls ModelReady.
func (c *GRPCClient) ModelReady(ctx context.Context, name, version string) (bool, error) {
	return c.boolCall(ctx, methodModelReady, "ModelReadyRequest", "ModelReadyResponse", "ready", func(m protoreflect.Message) {
		m.Set(fieldOf(m, "name"), protoreflect.ValueOfString(name))
		if version != "" {
			m.Set(fieldOf(m, "version"), protoreflect.ValueOfString(version))
		}
	})
}

// Infer calls ModelInfer. Inputs travel as raw little-endian FP32 bytes.
func (c *GRPCClient) Infer(ctx context.Context, r *InferRequest) (*InferResponse, error) {
	req, err := newMessage("ModelInferRequest")
	if err != nil {
		return nil, err
	}
	if err := encodeInferRequest(req, r); err != nil {
		return nil, err
	}
	resp, err := c.invoke(ctx, methodModelInfer, req, "ModelInferResponse")
	if err != nil {
		return nil, err
	}
	return decodeInferResponse(resp)
}

// Close closes the connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func encodeInferRequest(m protoreflect.Message, r *InferRequest) error {
	m.Set(fieldOf(m, "model_name"), protoreflect.ValueOfString(r.Model))
	if r.Version != "" {
		m.Set(fieldOf(m, "model_version"), protoreflect.ValueOfString(r.Version))
	}
	if r.ID != "" {
		m.Set(fieldOf(m, "id"), protoreflect.ValueOfString(r.ID))
	}

	inputs := m.Mutable(fieldOf(m, "inputs")).List()
	raw := m.Mutable(fieldOf(m, "raw_input_contents")).List()
	for _, in := range r.Inputs {
		if in.Datatype != DatatypeFP32 {
			return fmt.Errorf("input %q has datatype %s, only %s is supported", in.Name, in.Datatype, DatatypeFP32)
		}
		t := inputs.NewElement().Message()
		t.Set(fieldOf(t, "name"), protoreflect.ValueOfString(in.Name))
		t.Set(fieldOf(t, "datatype"), protoreflect.ValueOfString(in.Datatype))
		shape := t.Mutable(fieldOf(t, "shape")).List()
		for _, d := range in.Shape {
			shape.Append(protoreflect.ValueOfInt64(d))
		}
		inputs.Append(protoreflect.ValueOfMessage(t))
		raw.Append(protoreflect.ValueOfBytes(encodeFP32(in.Data)))
	}

	outputs := m.Mutable(fieldOf(m, "outputs")).List()
	for _, name := range r.Outputs {
		o := outputs.NewElement().Message()
		o.Set(fieldOf(o, "name"), protoreflect.ValueOfString(name))
		outputs.Append(protoreflect.ValueOfMessage(o))
	}
	return nil
}

func decodeInferResponse(m protoreflect.Message) (*InferResponse, error) {
	out := &InferResponse{
		Model:   m.Get(fieldOf(m, "model_name")).String(),
		Version: m.Get(fieldOf(m, "model_version")).String(),
		ID:      m.Get(fieldOf(m, "id")).String(),
	}

	raw := m.Get(fieldOf(m, "raw_output_contents")).List()
	outputs := m.Get(fieldOf(m, "outputs")).List()
	for i := 0; i < outputs.Len(); i++ {
		o := outputs.Get(i).Message()
		name := o.Get(fieldOf(o, "name")).String()
		datatype := o.Get(fieldOf(o, "datatype")).String()
		if datatype != DatatypeFP32 {
			return nil, fmt.Errorf("output %q has datatype %s, only %s is supported", name, datatype, DatatypeFP32)
		}

		shapeList := o.Get(fieldOf(o, "shape")).List()
		shape := make([]int64, shapeList.Len())
		for j := range shape {
			shape[j] = shapeList.Get(j).Int()
		}

		var data []float32
		if i < raw.Len() {
			var err error
			if data, err = decodeFP32(raw.Get(i).Bytes()); err != nil {
				return nil, fmt.Errorf("output %q: %w", name, err)
			}
		} else if o.Has(fieldOf(o, "contents")) {
			contents := o.Get(fieldOf(o, "contents")).Message()
			values := contents.Get(fieldOf(contents, "fp32_contents")).List()
			data = make([]float32, values.Len())
			for j := range data {
				data[j] = float32(values.Get(j).Float())
			}
		}

		t, err := NewFP32Tensor(name, shape, data)
		if err != nil {
			return nil, err
		}
		out.Outputs = append(out.Outputs, t)
	}
	return out, nil
}

func encodeFP32(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decodeFP32(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("raw FP32 contents have %d bytes, not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}
