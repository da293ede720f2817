package inferclient

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/shinji-kodama/treeserve/internal/model"
)

// kserveStub answers KServe v2 calls without generated stubs. Inference
// returns [1-x0, x0] per row, either as raw bytes or as fp32_contents.
type kserveStub struct {
	ready       bool
	useContents bool
	lastModel   string
	lastShape   []int64
}

func (s *kserveStub) handle(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	switch method {
	case methodServerLive:
		return s.reply(stream, "ServerLiveRequest", "ServerLiveResponse", func(_, resp protoreflect.Message) {
			resp.Set(fieldOf(resp, "live"), protoreflect.ValueOfBool(true))
		})
	case methodServerReady:
		return s.reply(stream, "ServerReadyRequest", "ServerReadyResponse", func(_, resp protoreflect.Message) {
			resp.Set(fieldOf(resp, "ready"), protoreflect.ValueOfBool(s.ready))
		})
	case methodModelReady:
		return s.reply(stream, "ModelReadyRequest", "ModelReadyResponse", func(req, resp protoreflect.Message) {
			ok := req.Get(fieldOf(req, "name")).String() == "fraud-large"
			resp.Set(fieldOf(resp, "ready"), protoreflect.ValueOfBool(ok))
		})
	case methodModelInfer:
		return s.reply(stream, "ModelInferRequest", "ModelInferResponse", s.infer)
	}
	return status.Errorf(codes.Unimplemented, "unknown method %s", method)
}

func (s *kserveStub) reply(stream grpc.ServerStream, reqType, respType string, fill func(req, resp protoreflect.Message)) error {
	req, err := newMessage(reqType)
	if err != nil {
		return err
	}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	resp, err := newMessage(respType)
	if err != nil {
		return err
	}
	fill(req, resp)
	return stream.SendMsg(resp)
}

func (s *kserveStub) infer(req, resp protoreflect.Message) {
	s.lastModel = req.Get(fieldOf(req, "model_name")).String()

	in := req.Get(fieldOf(req, "inputs")).List().Get(0).Message()
	shapeList := in.Get(fieldOf(in, "shape")).List()
	s.lastShape = []int64{shapeList.Get(0).Int(), shapeList.Get(1).Int()}
	rows, width := int(s.lastShape[0]), int(s.lastShape[1])

	data, _ := decodeFP32(req.Get(fieldOf(req, "raw_input_contents")).List().Get(0).Bytes())
	probs := make([]float32, 0, rows*2)
	for i := 0; i < rows; i++ {
		p := data[i*width]
		probs = append(probs, 1-p, p)
	}

	resp.Set(fieldOf(resp, "model_name"), protoreflect.ValueOfString(s.lastModel))
	resp.Set(fieldOf(resp, "model_version"), protoreflect.ValueOfString("1"))
	resp.Set(fieldOf(resp, "id"), req.Get(fieldOf(req, "id")))

	outputs := resp.Mutable(fieldOf(resp, "outputs")).List()
	o := outputs.NewElement().Message()
	o.Set(fieldOf(o, "name"), protoreflect.ValueOfString(model.OutputTensor))
	o.Set(fieldOf(o, "datatype"), protoreflect.ValueOfString(DatatypeFP32))
	shape := o.Mutable(fieldOf(o, "shape")).List()
	shape.Append(protoreflect.ValueOfInt64(int64(rows)))
	shape.Append(protoreflect.ValueOfInt64(2))

	if s.useContents {
		contents := o.Mutable(fieldOf(o, "contents")).Message()
		values := contents.Mutable(fieldOf(contents, "fp32_contents")).List()
		for _, p := range probs {
			values.Append(protoreflect.ValueOfFloat32(p))
		}
	} else {
		raw := resp.Mutable(fieldOf(resp, "raw_output_contents")).List()
		raw.Append(protoreflect.ValueOfBytes(encodeFP32(probs)))
	}
	outputs.Append(protoreflect.ValueOfMessage(o))
}

func newGRPCFixture(t *testing.T, stub *kserveStub) *GRPCClient {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer(grpc.UnknownServiceHandler(stub.handle))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := NewGRPCClient(lis.Addr().String(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGRPCClient_Health(t *testing.T) {
	stub := &kserveStub{ready: true}
	c := newGRPCFixture(t, stub)
	ctx := context.Background()

	live, err := c.ServerLive(ctx)
	require.NoError(t, err)
	assert.True(t, live)

	ready, err := c.ServerReady(ctx)
	require.NoError(t, err)
	assert.True(t, ready)

	ok, err := c.ModelReady(ctx, "fraud-large", "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ModelReady(ctx, "fraud-small", "1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGRPCClient_Infer(t *testing.T) {
	for _, useContents := range []bool{false, true} {
		name := "raw output"
		if useContents {
			name = "fp32 contents"
		}
		t.Run(name, func(t *testing.T) {
			stub := &kserveStub{ready: true, useContents: useContents}
			c := newGRPCFixture(t, stub)

			req, err := NewBatchRequest("fraud-large", [][]float32{{0.1, 5, 5}, {0.9, 5, 5}})
			require.NoError(t, err)

			resp, err := c.Infer(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, "fraud-large", stub.lastModel)
			assert.Equal(t, []int64{2, 3}, stub.lastShape)
			assert.Equal(t, req.ID, resp.ID)

			probs, err := PositiveClassProbabilities(resp, model.OutputTensor)
			require.NoError(t, err)
			assert.InDeltaSlice(t, []float64{0.1, 0.9}, probs, 1e-7)
		})
	}
}

func TestGRPCClient_Unimplemented(t *testing.T) {
	c := newGRPCFixture(t, &kserveStub{})
	_, err := c.invoke(context.Background(), kserveService+"RepositoryIndex", mustMessage(t, "ServerLiveRequest"), "ServerLiveResponse")
	require.Error(t, err)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func mustMessage(t *testing.T, name string) *dynamicpb.Message {
	t.Helper()
	m, err := newMessage(name)
	require.NoError(t, err)
	return m
}

func TestKServeDescriptor(t *testing.T) {
	fd, err := kserve()
	require.NoError(t, err)
	assert.Equal(t, protoreflect.FullName("inference"), fd.Package())

	_, err = newMessage("NoSuchMessage")
	assert.Error(t, err)

	req := mustMessage(t, "ModelInferRequest")
	assert.Equal(t, protoreflect.FieldNumber(7), fieldOf(req, "raw_input_contents").Number())
	assert.Panics(t, func() { fieldOf(req, "parameters") })
}
