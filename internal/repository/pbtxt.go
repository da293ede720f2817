package repository

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/shinji-kodama/treeserve/internal/forest"
	"github.com/shinji-kodama/treeserve/internal/model"
)

// BackendFIL is the forest inference backend of the server.
const BackendFIL = "fil"

// Parameter keys understood by the forest backend.
const (
	ParamModelType    = "model_type"
	ParamOutputClass  = "output_class"
	ParamPredictProba = "predict_proba"
	ParamThreshold    = "threshold"
	ParamStorageType  = "storage_type"
)

// ModelConfig is the part of the server's model configuration that a
// forest model needs.
type ModelConfig struct {
	Name         string `json:"name"`
	Backend      string `json:"backend"`
	MaxBatchSize int    `json:"maxBatchSize"`

	// NumFeatures is the width of the input tensor.
	NumFeatures int `json:"numFeatures"`

	// NumOutputs is the width of the output tensor. A binary classifier
	// with OutputClass and PredictProba set returns 2 class probabilities
	// per row; a regressor or a classifier returning labels returns 1.
	NumOutputs int `json:"numOutputs"`

	InstanceKind  model.InstanceKind `json:"instanceKind"`
	InstanceCount int                `json:"instanceCount"`

	MaxQueueDelayMicros int `json:"maxQueueDelayMicros"`

	Format       model.ModelFormat `json:"format"`
	OutputClass  bool              `json:"outputClass"`
	PredictProba bool              `json:"predictProba"`
	Threshold    float64           `json:"threshold"`
	StorageType  string            `json:"storageType"`
}

// Validate checks the configuration can be rendered.
func (c *ModelConfig) Validate() error {
	if err := model.ValidateName(c.Name); err != nil {
		return fmt.Errorf("model config: %w", err)
	}
	if c.Backend == "" {
		return fmt.Errorf("model config %s: backend is required", c.Name)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("model config %s: max batch size must be positive, got %d", c.Name, c.MaxBatchSize)
	}
	if c.NumFeatures < 1 {
		return fmt.Errorf("model config %s: input width must be positive, got %d", c.Name, c.NumFeatures)
	}
	if c.NumOutputs < 1 {
		return fmt.Errorf("model config %s: output width must be positive, got %d", c.Name, c.NumOutputs)
	}
	if c.InstanceKind.ServerKind() == "" {
		return fmt.Errorf("model config %s: instance kind %q is not resolved", c.Name, c.InstanceKind)
	}
	if c.InstanceCount < 1 {
		return fmt.Errorf("model config %s: instance count must be positive, got %d", c.Name, c.InstanceCount)
	}
	if !c.Format.IsValid() {
		return fmt.Errorf("model config %s: invalid model format %q", c.Name, c.Format)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("model config %s: threshold must be in [0, 1], got %v", c.Name, c.Threshold)
	}
	return nil
}

// NewModelConfig describes m as a binary classifier returning both class
// probabilities. kind and count must already be resolved.
func NewModelConfig(name string, m *forest.Model, s Settings) *ModelConfig {
	return &ModelConfig{
		Name:                name,
		Backend:             BackendFIL,
		MaxBatchSize:        s.MaxBatchSize,
		NumFeatures:         m.NumFeature,
		NumOutputs:          2,
		InstanceKind:        s.InstanceKind,
		InstanceCount:       s.InstanceCount,
		MaxQueueDelayMicros: s.MaxQueueDelayMicros,
		Format:              model.FormatXGBoostJSON,
		OutputClass:         true,
		PredictProba:        true,
		Threshold:           s.Threshold,
		StorageType:         s.StorageType,
	}
}

// Parameters returns the backend parameters as the string map written to
// the configuration.
func (c *ModelConfig) Parameters() map[string]string {
	p := map[string]string{
		ParamModelType:    string(c.Format),
		ParamOutputClass:  strconv.FormatBool(c.OutputClass),
		ParamPredictProba: strconv.FormatBool(c.PredictProba),
		ParamThreshold:    strconv.FormatFloat(c.Threshold, 'f', -1, 64),
	}
	if c.StorageType != "" {
		p[ParamStorageType] = c.StorageType
	}
	return p
}

// The subset of the server's model_config.proto rendered into
// config.pbtxt. Field numbers and enum values match the server's schema so
// files it writes itself parse too; fields outside the subset are dropped
// on read.
const configPackage = "inference"

const (
	dataTypeFP32 = 11

	kindAuto = 0
	kindGPU  = 1
	kindCPU  = 2
)

var (
	configOnce sync.Once
	configFile protoreflect.FileDescriptor
	configErr  error
)

func configField(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type, repeated bool, typeName string) *descriptorpb.FieldDescriptorProto {
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
		f.TypeName = proto.String("." + configPackage + "." + typeName)
	}
	return f
}

func enumType(name string, values ...string) *descriptorpb.EnumDescriptorProto {
	e := &descriptorpb.EnumDescriptorProto{Name: proto.String(name)}
	for i, v := range values {
		e.Value = append(e.Value, &descriptorpb.EnumValueDescriptorProto{
			Name:   proto.String(v),
			Number: proto.Int32(int32(i)),
		})
	}
	return e
}

func configDescriptor() *descriptorpb.FileDescriptorProto {
	const (
		tString  = descriptorpb.FieldDescriptorProto_TYPE_STRING
		tInt32   = descriptorpb.FieldDescriptorProto_TYPE_INT32
		tInt64   = descriptorpb.FieldDescriptorProto_TYPE_INT64
		tUint64  = descriptorpb.FieldDescriptorProto_TYPE_UINT64
		tEnum    = descriptorpb.FieldDescriptorProto_TYPE_ENUM
		tMessage = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
	)
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("treeserve/model_config.proto"),
		Package: proto.String(configPackage),
		Syntax:  proto.String("proto3"),
		EnumType: []*descriptorpb.EnumDescriptorProto{
			enumType("DataType",
				"TYPE_INVALID", "TYPE_BOOL", "TYPE_UINT8", "TYPE_UINT16", "TYPE_UINT32",
				"TYPE_UINT64", "TYPE_INT8", "TYPE_INT16", "TYPE_INT32", "TYPE_INT64",
				"TYPE_FP16", "TYPE_FP32", "TYPE_FP64", "TYPE_STRING", "TYPE_BF16"),
		},
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("ModelInstanceGroup"),
				Field: []*descriptorpb.FieldDescriptorProto{
					configField("name", 1, tString, false, ""),
					configField("count", 2, tInt32, false, ""),
					configField("gpus", 3, tInt32, true, ""),
					configField("kind", 4, tEnum, false, "ModelInstanceGroup.Kind"),
				},
				EnumType: []*descriptorpb.EnumDescriptorProto{
					enumType("Kind", "KIND_AUTO", "KIND_GPU", "KIND_CPU", "KIND_MODEL"),
				},
			},
			{
				Name: proto.String("ModelInput"),
				Field: []*descriptorpb.FieldDescriptorProto{
					configField("name", 1, tString, false, ""),
					configField("data_type", 2, tEnum, false, "DataType"),
					configField("dims", 4, tInt64, true, ""),
				},
			},
			{
				Name: proto.String("ModelOutput"),
				Field: []*descriptorpb.FieldDescriptorProto{
					configField("name", 1, tString, false, ""),
					configField("data_type", 2, tEnum, false, "DataType"),
					configField("dims", 3, tInt64, true, ""),
				},
			},
			{
				Name: proto.String("ModelDynamicBatching"),
				Field: []*descriptorpb.FieldDescriptorProto{
					configField("preferred_batch_size", 1, tInt32, true, ""),
					configField("max_queue_delay_microseconds", 2, tUint64, false, ""),
				},
			},
			{
				Name: proto.String("ModelParameter"),
				Field: []*descriptorpb.FieldDescriptorProto{
					configField("string_value", 1, tString, false, ""),
				},
			},
			{
				Name: proto.String("ModelConfig"),
				Field: []*descriptorpb.FieldDescriptorProto{
					configField("name", 1, tString, false, ""),
					configField("platform", 2, tString, false, ""),
					configField("max_batch_size", 4, tInt32, false, ""),
					configField("input", 5, tMessage, true, "ModelInput"),
					configField("output", 6, tMessage, true, "ModelOutput"),
					configField("instance_group", 7, tMessage, true, "ModelInstanceGroup"),
					configField("dynamic_batching", 11, tMessage, false, "ModelDynamicBatching"),
					configField("parameters", 14, tMessage, true, "ModelConfig.ParametersEntry"),
					configField("backend", 17, tString, false, ""),
				},
				NestedType: []*descriptorpb.DescriptorProto{{
					Name: proto.String("ParametersEntry"),
					Field: []*descriptorpb.FieldDescriptorProto{
						configField("key", 1, tString, false, ""),
						configField("value", 2, tMessage, false, "ModelParameter"),
					},
					Options: &descriptorpb.MessageOptions{MapEntry: proto.Bool(true)},
				}},
			},
		},
	}
}

func newConfigMessage() (*dynamicpb.Message, error) {
	configOnce.Do(func() {
		configFile, configErr = protodesc.NewFile(configDescriptor(), nil)
	})
	if configErr != nil {
		return nil, fmt.Errorf("model config descriptor: %w", configErr)
	}
	return dynamicpb.NewMessage(configFile.Messages().ByName("ModelConfig")), nil
}

func fd(m protoreflect.Message, name string) protoreflect.FieldDescriptor {
	f := m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if f == nil {
		panic(fmt.Sprintf("repository: %s has no field %s", m.Descriptor().FullName(), name))
	}
	return f
}

func setString(m protoreflect.Message, name, v string) {
	m.Set(fd(m, name), protoreflect.ValueOfString(v))
}

func appendTensor(m protoreflect.Message, list, name string, width int) {
	l := m.Mutable(fd(m, list)).List()
	elem := l.NewElement()
	t := elem.Message()
	setString(t, "name", name)
	t.Set(fd(t, "data_type"), protoreflect.ValueOfEnum(dataTypeFP32))
	t.Mutable(fd(t, "dims")).List().Append(protoreflect.ValueOfInt64(int64(width)))
	l.Append(elem)
}

const configHeader = "# Generated by treeserve.\n"

// RenderConfig returns c as protobuf text, the format of config.pbtxt.
func RenderConfig(c *ModelConfig) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	msg, err := newConfigMessage()
	if err != nil {
		return nil, err
	}

	setString(msg, "name", c.Name)
	setString(msg, "backend", c.Backend)
	msg.Set(fd(msg, "max_batch_size"), protoreflect.ValueOfInt32(int32(c.MaxBatchSize)))
	appendTensor(msg, "input", model.InputTensor, c.NumFeatures)
	appendTensor(msg, "output", model.OutputTensor, c.NumOutputs)

	groups := msg.Mutable(fd(msg, "instance_group")).List()
	g := groups.NewElement()
	kind := protoreflect.EnumNumber(kindCPU)
	if c.InstanceKind == model.InstanceGPU {
		kind = kindGPU
	}
	g.Message().Set(fd(g.Message(), "kind"), protoreflect.ValueOfEnum(kind))
	g.Message().Set(fd(g.Message(), "count"), protoreflect.ValueOfInt32(int32(c.InstanceCount)))
	groups.Append(g)

	batching := msg.Mutable(fd(msg, "dynamic_batching")).Message()
	batching.Set(fd(batching, "max_queue_delay_microseconds"), protoreflect.ValueOfUint64(uint64(c.MaxQueueDelayMicros)))

	params := msg.Mutable(fd(msg, "parameters")).Map()
	for k, v := range c.Parameters() {
		pv := params.NewValue()
		setString(pv.Message(), "string_value", v)
		params.Set(protoreflect.ValueOfString(k).MapKey(), pv)
	}

	body, err := prototext.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("render %s config: %w", c.Name, err)
	}
	return append([]byte(configHeader), body...), nil
}

// ParseConfig reads a config.pbtxt. Only the fields RenderConfig writes are
// interpreted; anything else in the file is ignored. The result is not
// validated, so callers can report what is wrong with a hand-edited file.
func ParseConfig(data []byte) (*ModelConfig, error) {
	msg, err := newConfigMessage()
	if err != nil {
		return nil, err
	}
	if err := (prototext.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("parse model config: %w", err)
	}

	c := &ModelConfig{
		Name:         msg.Get(fd(msg, "name")).String(),
		Backend:      msg.Get(fd(msg, "backend")).String(),
		MaxBatchSize: int(msg.Get(fd(msg, "max_batch_size")).Int()),
		NumFeatures:  tensorWidth(msg, "input"),
		NumOutputs:   tensorWidth(msg, "output"),
	}

	groups := msg.Get(fd(msg, "instance_group")).List()
	for i := 0; i < groups.Len(); i++ {
		g := groups.Get(i).Message()
		c.InstanceCount += int(g.Get(fd(g, "count")).Int())
		switch g.Get(fd(g, "kind")).Enum() {
		case kindGPU:
			c.InstanceKind = model.InstanceGPU
		case kindCPU:
			c.InstanceKind = model.InstanceCPU
		case kindAuto:
			c.InstanceKind = model.InstanceAuto
		}
	}
	if groups.Len() > 0 && c.InstanceCount == 0 {
		c.InstanceCount = 1
	}

	if msg.Has(fd(msg, "dynamic_batching")) {
		b := msg.Get(fd(msg, "dynamic_batching")).Message()
		c.MaxQueueDelayMicros = int(b.Get(fd(b, "max_queue_delay_microseconds")).Uint())
	}

	params := map[string]string{}
	msg.Get(fd(msg, "parameters")).Map().Range(func(k protoreflect.MapKey, v protoreflect.Value) bool {
		params[k.String()] = v.Message().Get(fd(v.Message(), "string_value")).String()
		return true
	})
	if err := c.applyParameters(params); err != nil {
		return nil, err
	}
	return c, nil
}

func tensorWidth(msg protoreflect.Message, list string) int {
	l := msg.Get(fd(msg, list)).List()
	if l.Len() == 0 {
		return 0
	}
	t := l.Get(0).Message()
	dims := t.Get(fd(t, "dims")).List()
	width := 1
	for i := 0; i < dims.Len(); i++ {
		width *= int(dims.Get(i).Int())
	}
	return width
}

func (c *ModelConfig) applyParameters(params map[string]string) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := strings.TrimSpace(params[k])
		var err error
		switch k {
		case ParamModelType:
			c.Format = model.ModelFormat(v)
		case ParamOutputClass:
			c.OutputClass, err = strconv.ParseBool(v)
		case ParamPredictProba:
			c.PredictProba, err = strconv.ParseBool(v)
		case ParamThreshold:
			c.Threshold, err = strconv.ParseFloat(v, 64)
		case ParamStorageType:
			c.StorageType = v
		}
		if err != nil {
			return fmt.Errorf("model config parameter %s: %w", k, err)
		}
	}
	return nil
}
