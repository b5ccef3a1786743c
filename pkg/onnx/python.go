package onnx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"kubegems.io/onnxq/pkg/errors"
	"kubegems.io/onnxq/pkg/types"
)

const stderrTailLines = 20

const (
	preprocessScript = `import sys
from onnxruntime.quantization.shape_inference import quant_pre_process
quant_pre_process(sys.argv[1], sys.argv[2], skip_symbolic_shape=True)
`
	quantizeScript = `import sys
from onnxruntime.quantization import quantize_dynamic, QuantType
quantize_dynamic(
    model_input=sys.argv[1],
    model_output=sys.argv[2],
    weight_type=getattr(QuantType, sys.argv[3]),
    optimize_model=sys.argv[4] == "1",
    per_channel=sys.argv[5] == "1",
    reduce_range=sys.argv[6] == "1",
)
`
	inspectScript = `import json, sys
import onnxruntime as ort
session = ort.InferenceSession(sys.argv[1], providers=[sys.argv[2]])
def describe(t):
    return {"name": t.name, "type": t.type, "shape": list(t.shape)}
print(json.dumps({
    "inputs": [describe(t) for t in session.get_inputs()],
    "outputs": [describe(t) for t in session.get_outputs()],
}))
`
	checkScript = `import importlib, sys
for name in sys.argv[1:]:
    importlib.import_module(name)
`
)

var (
	_ Exporter     = &Python{}
	_ Preprocessor = &Python{}
	_ Quantizer    = &Python{}
	_ Runtime      = &Python{}
	_ Toolchain    = &Python{}
)

// Python drives optimum and onnxruntime through a python interpreter.
type Python struct {
	Interpreter string
	// ExportRetries bounds retries of a failed export; hub downloads are flaky.
	ExportRetries     uint64
	ExportMaxInterval time.Duration
}

func NewPython(interpreter string) *Python {
	return &Python{Interpreter: interpreter, ExportRetries: 2, ExportMaxInterval: 30 * time.Second}
}

func (p *Python) Check(ctx context.Context, modules ...string) error {
	if _, err := exec.LookPath(p.Interpreter); err != nil {
		return errors.NewToolchainUnavailableError(p.Interpreter, err)
	}
	args := append([]string{"-c", checkScript}, modules...)
	if _, err := p.run(ctx, args...); err != nil {
		return errors.NewToolchainUnavailableError("pip install onnx onnxruntime optimum[exporters]", err)
	}
	return nil
}

func (p *Python) Export(ctx context.Context, req ExportRequest) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("source", req.Source, "opset", req.Opset)

	operation := func() error {
		_, err := p.run(ctx,
			"-m", ModuleOptimum,
			"--model", req.Source,
			"--task", req.Task,
			"--opset", strconv.Itoa(req.Opset),
			req.OutputDir,
		)
		if err != nil {
			log.Info("export attempt failed", "err", err.Error())
		}
		return err
	}
	eb := backoff.NewExponentialBackOff()
	if p.ExportMaxInterval > 0 {
		eb.MaxInterval = p.ExportMaxInterval
	}
	b := backoff.WithMaxRetries(eb, p.ExportRetries)
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

func (p *Python) Preprocess(ctx context.Context, input, output string) error {
	_, err := p.run(ctx, "-c", preprocessScript, input, output)
	return err
}

func (p *Python) Quantize(ctx context.Context, req QuantizeRequest) error {
	_, err := p.run(ctx, "-c", quantizeScript,
		req.Input,
		req.Output,
		string(req.WeightType),
		boolArg(req.Optimize),
		boolArg(req.PerChannel),
		boolArg(req.ReduceRange),
	)
	return err
}

func (p *Python) Inspect(ctx context.Context, path string) ([]types.TensorSpec, []types.TensorSpec, error) {
	out, err := p.run(ctx, "-c", inspectScript, path, ExecutionProviderCPU)
	if err != nil {
		return nil, nil, err
	}
	return ParseSessionInfo(out)
}

type sessionInfo struct {
	Inputs  []tensorInfo `json:"inputs"`
	Outputs []tensorInfo `json:"outputs"`
}

type tensorInfo struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Shape []any  `json:"shape"`
}

// ParseSessionInfo decodes the tensor listing printed by the inspect script.
// Shape entries are ints, symbolic names or null.
func ParseSessionInfo(raw []byte) ([]types.TensorSpec, []types.TensorSpec, error) {
	// the runtime may print warnings before the json line
	raw = bytes.TrimSpace(raw)
	if i := bytes.LastIndexByte(raw, '\n'); i >= 0 {
		raw = raw[i+1:]
	}
	var info sessionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, nil, fmt.Errorf("decode session info: %w", err)
	}
	convert := func(in []tensorInfo) []types.TensorSpec {
		out := make([]types.TensorSpec, 0, len(in))
		for _, t := range in {
			spec := types.TensorSpec{Name: t.Name, ElemType: t.Type, Shape: make([]int64, len(t.Shape))}
			var names []string
			for i, dim := range t.Shape {
				switch v := dim.(type) {
				case float64:
					spec.Shape[i] = int64(v)
				case string:
					spec.Shape[i] = -1
					if names == nil {
						names = make([]string, len(t.Shape))
					}
					names[i] = v
				default:
					spec.Shape[i] = -1
				}
			}
			spec.DimNames = names
			out = append(out, spec)
		}
		return out
	}
	return convert(info.Inputs), convert(info.Outputs), nil
}

func (p *Python) run(ctx context.Context, args ...string) ([]byte, error) {
	log := logr.FromContextOrDiscard(ctx).V(1)
	log.Info("exec", "cmd", p.Interpreter, "args", summarizeArgs(args))

	stdout := &bytes.Buffer{}
	stderr := &tailBuffer{max: stderrTailLines}
	cmd := exec.CommandContext(ctx, p.Interpreter, args...)
	cmd.Stdout = stdout
	cmd.Stderr = io.MultiWriter(stderr, &logWriter{log: log})
	if err := cmd.Run(); err != nil {
		if tail := stderr.String(); tail != "" {
			return stdout.Bytes(), fmt.Errorf("%w: %s", err, tail)
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// inline scripts are noise in logs
func summarizeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		if i > 0 && args[i-1] == "-c" {
			out[i] = "<script>"
			continue
		}
		out[i] = arg
	}
	return out
}

// tailBuffer keeps the last max lines written to it.
type tailBuffer struct {
	max     int
	lines   []string
	partial string
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	data := t.partial + string(p)
	parts := strings.Split(data, "\n")
	t.partial = parts[len(parts)-1]
	for _, line := range parts[:len(parts)-1] {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		t.lines = append(t.lines, line)
		if len(t.lines) > t.max {
			t.lines = t.lines[1:]
		}
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	lines := t.lines
	if p := strings.TrimSpace(t.partial); p != "" {
		lines = append(lines, p)
	}
	return strings.Join(lines, "\n")
}

type logWriter struct {
	log logr.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.log.Info(line)
		}
	}
	return len(p), nil
}
