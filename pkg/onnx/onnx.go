// Package onnx defines the external collaborators of the pipeline: the
// exporter, the shape-inference preprocessor, the dynamic quantizer and the
// inference runtime. Implementations only report raw failures; callers
// classify them.
package onnx

import (
	"context"

	"kubegems.io/onnxq/pkg/types"
)

type WeightType string

const (
	WeightTypeQUInt8 WeightType = "QUInt8"
	WeightTypeQInt8  WeightType = "QInt8"
)

const ExecutionProviderCPU = "CPUExecutionProvider"

type ExportRequest struct {
	Source    string
	Task      string
	Opset     int
	OutputDir string
}

type QuantizeRequest struct {
	Input       string
	Output      string
	WeightType  WeightType
	PerChannel  bool
	ReduceRange bool
	Optimize    bool
}

// NewQuantizeRequest returns the fixed configuration used for every model:
// unsigned 8-bit weights, no per-channel scaling, no reduced range.
func NewQuantizeRequest(input, output string) QuantizeRequest {
	return QuantizeRequest{
		Input:       input,
		Output:      output,
		WeightType:  WeightTypeQUInt8,
		PerChannel:  false,
		ReduceRange: false,
		Optimize:    true,
	}
}

type Exporter interface {
	Export(ctx context.Context, req ExportRequest) error
}

type Preprocessor interface {
	// Preprocess runs shape inference on input and writes the result to output,
	// skipping symbolic shape inference.
	Preprocess(ctx context.Context, input, output string) error
}

type Quantizer interface {
	Quantize(ctx context.Context, req QuantizeRequest) error
}

type Runtime interface {
	// Inspect loads the artifact on the CPU execution provider and returns its
	// declared input and output tensors.
	Inspect(ctx context.Context, path string) (inputs, outputs []types.TensorSpec, err error)
}

// Toolchain reports whether the collaborators can run at all.
type Toolchain interface {
	Check(ctx context.Context, modules ...string) error
}

const (
	ModuleONNX        = "onnx"
	ModuleONNXRuntime = "onnxruntime"
	ModuleOptimum     = "optimum.exporters.onnx"
)
