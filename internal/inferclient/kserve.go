package inferclient

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// The subset of the KServe v2 gRPC protocol used here, declared as a file
// descriptor so messages can be built with dynamicpb. Field numbers match
// grpc_service.proto; request and tensor parameter maps are left out and
// skipped as unknown fields when a server sends them.
const (
	kservePackage = "inference"
	kserveService = "/inference.GRPCInferenceService/"

	methodServerLive  = kserveService + "ServerLive"
	methodServerReady = kserveService + "ServerReady"
	methodModelReady  = kserveService + "ModelReady"
	methodModelInfer  = kserveService + "ModelInfer"
)

var (
	kserveOnce sync.Once
	kserveFile protoreflect.FileDescriptor
	kserveErr  error
)

func field(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type, repeated bool, typeName string) *descriptorpb.FieldDescriptorProto {
	label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	if repeated {
		label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
	}
	f := &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(name),
		JsonName: proto.String(name),
		Number:   proto.Int32(number),
		Label:    label.Enum(),
		Type:     typ.Enum(),
	}
	if typeName != "" {
		f.TypeName = proto.String("." + kservePackage + "." + typeName)
	}
	return f
}

func message(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func kserveDescriptor() *descriptorpb.FileDescriptorProto {
	const (
		tBool    = descriptorpb.FieldDescriptorProto_TYPE_BOOL
		tString  = descriptorpb.FieldDescriptorProto_TYPE_STRING
		tInt32   = descriptorpb.FieldDescriptorProto_TYPE_INT32
		tInt64   = descriptorpb.FieldDescriptorProto_TYPE_INT64
		tUint32  = descriptorpb.FieldDescriptorProto_TYPE_UINT32
		tUint64  = descriptorpb.FieldDescriptorProto_TYPE_UINT64
		tFloat   = descriptorpb.FieldDescriptorProto_TYPE_FLOAT
		tDouble  = descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
		tBytes   = descriptorpb.FieldDescriptorProto_TYPE_BYTES
		tMessage = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
	)
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("treeserve/kserve_v2.proto"),
		Package: proto.String(kservePackage),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			message("ServerLiveRequest"),
			message("ServerLiveResponse", field("live", 1, tBool, false, "")),
			message("ServerReadyRequest"),
			message("ServerReadyResponse", field("ready", 1, tBool, false, "")),
			message("ModelReadyRequest",
				field("name", 1, tString, false, ""),
				field("version", 2, tString, false, ""),
			),
			message("ModelReadyResponse", field("ready", 1, tBool, false, "")),
			message("InferTensorContents",
				field("bool_contents", 1, tBool, true, ""),
				field("int_contents", 2, tInt32, true, ""),
				field("int64_contents", 3, tInt64, true, ""),
				field("uint_contents", 4, tUint32, true, ""),
				field("uint64_contents", 5, tUint64, true, ""),
				field("fp32_contents", 6, tFloat, true, ""),
				field("fp64_contents", 7, tDouble, true, ""),
				field("bytes_contents", 8, tBytes, true, ""),
			),
			message("InferInputTensor",
				field("name", 1, tString, false, ""),
				field("datatype", 2, tString, false, ""),
				field("shape", 3, tInt64, true, ""),
				field("contents", 5, tMessage, false, "InferTensorContents"),
			),
			message("InferRequestedOutputTensor", field("name", 1, tString, false, "")),
			message("ModelInferRequest",
				field("model_name", 1, tString, false, ""),
				field("model_version", 2, tString, false, ""),
				field("id", 3, tString, false, ""),
				field("inputs", 5, tMessage, true, "InferInputTensor"),
				field("outputs", 6, tMessage, true, "InferRequestedOutputTensor"),
				field("raw_input_contents", 7, tBytes, true, ""),
			),
			message("InferOutputTensor",
				field("name", 1, tString, false, ""),
				field("datatype", 2, tString, false, ""),
				field("shape", 3, tInt64, true, ""),
				field("contents", 5, tMessage, false, "InferTensorContents"),
			),
			message("ModelInferResponse",
				field("model_name", 1, tString, false, ""),
				field("model_version", 2, tString, false, ""),
				field("id", 3, tString, false, ""),
				field("outputs", 5, tMessage, true, "InferOutputTensor"),
				field("raw_output_contents", 6, tBytes, true, ""),
			),
		},
	}
}

func kserve() (protoreflect.FileDescriptor, error) {
	kserveOnce.Do(func() {
		kserveFile, kserveErr = protodesc.NewFile(kserveDescriptor(), nil)
	})
	return kserveFile, kserveErr
}

// newMessage returns an empty dynamic message of the named KServe type.
func newMessage(name string) (*dynamicpb.Message, error) {
	fd, err := kserve()
	if err != nil {
		return nil, fmt.Errorf("kserve descriptor: %w", err)
	}
	md := fd.Messages().ByName(protoreflect.Name(name))
	if md == nil {
		return nil, fmt.Errorf("kserve descriptor has no message %s", name)
	}
	return dynamicpb.NewMessage(md), nil
}

// fieldOf looks up a field descriptor by name; the names are fixed above.
func fieldOf(m protoreflect.Message, name string) protoreflect.FieldDescriptor {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		panic(fmt.Sprintf("inferclient: %s has no field %s", m.Descriptor().FullName(), name))
	}
	return fd
}
