package stage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kubegems.io/onnxq/pkg/errors"
	"kubegems.io/onnxq/pkg/onnx"
)

type fakePreprocessor struct {
	err   error
	calls int
}

func (f *fakePreprocessor) Preprocess(ctx context.Context, input, output string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	content, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	return os.WriteFile(output, content, 0o644)
}

// fakeQuantizer writes a quarter of the input.
type fakeQuantizer struct {
	err      error
	requests []onnx.QuantizeRequest
	grow     bool
}

func (f *fakeQuantizer) Quantize(ctx context.Context, req onnx.QuantizeRequest) error {
	f.requests = append(f.requests, req)
	if f.err != nil {
		// a crashing quantizer may leave a half-written file behind
		_ = os.WriteFile(req.Output, []byte("half"), 0o644)
		return f.err
	}
	content, err := os.ReadFile(req.Input)
	if err != nil {
		return err
	}
	size := len(content) / 4
	if f.grow {
		size = len(content) * 2
	}
	return os.WriteFile(req.Output, bytes.Repeat([]byte{8}, size), 0o644)
}

func setup(t *testing.T, size int) (input, output string) {
	t.Helper()
	dir := t.TempDir()
	input = filepath.Join(dir, "model.onnx")
	if err := os.WriteFile(input, bytes.Repeat([]byte{32}, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return input, filepath.Join(dir, "model_int8.onnx")
}

func assertNoTemporaries(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), "preprocessed") || strings.HasSuffix(e.Name(), PartialSuffix) {
			t.Errorf("temporary artifact left behind: %s", e.Name())
		}
	}
}

func TestRunQuantizes(t *testing.T) {
	input, output := setup(t, 4096)
	pre, q := &fakePreprocessor{}, &fakeQuantizer{}
	out := &bytes.Buffer{}

	result := NewRunner(pre, q, out).Run(context.Background(), input, output, false)
	if !result.Success || result.Skipped || result.Degraded || result.Err != nil {
		t.Fatalf("Run() = %+v", result)
	}
	if result.InputSize != 4096 || result.OutputSize != 1024 {
		t.Errorf("sizes = %d -> %d", result.InputSize, result.OutputSize)
	}
	if len(q.requests) != 1 {
		t.Fatalf("quantizer called %d times", len(q.requests))
	}
	req := q.requests[0]
	if filepath.Base(req.Input) != "model_preprocessed.onnx" {
		t.Errorf("quantized %s, want the preprocessed artifact", req.Input)
	}
	if req.WeightType != onnx.WeightTypeQUInt8 || req.PerChannel || req.ReduceRange || !req.Optimize {
		t.Errorf("unexpected quantize options %+v", req)
	}
	if !strings.Contains(out.String(), "Size reduction: 75.0%") {
		t.Errorf("missing reduction line in output:\n%s", out)
	}
	assertNoTemporaries(t, filepath.Dir(input))
}

func TestRunPreprocessFailureFallsBack(t *testing.T) {
	input, output := setup(t, 4096)
	pre, q := &fakePreprocessor{err: fmt.Errorf("shape inference failed")}, &fakeQuantizer{}
	out := &bytes.Buffer{}

	result := NewRunner(pre, q, out).Run(context.Background(), input, output, false)
	if !result.Success || !result.Degraded {
		t.Fatalf("Run() = %+v, want degraded success", result)
	}
	if q.requests[0].Input != input {
		t.Errorf("quantized %s, want raw input %s", q.requests[0].Input, input)
	}
	if !strings.Contains(out.String(), "[WARN] Preprocessing failed") {
		t.Errorf("missing warning:\n%s", out)
	}
	if _, err := os.Stat(output); err != nil {
		t.Errorf("output missing: %v", err)
	}
}

func TestRunQuantizeFailure(t *testing.T) {
	input, output := setup(t, 4096)
	q := &fakeQuantizer{err: fmt.Errorf("unsupported opset")}

	result := NewRunner(&fakePreprocessor{}, q, nil).Run(context.Background(), input, output, false)
	if result.Success {
		t.Fatalf("Run() = %+v, want failure", result)
	}
	if !errors.IsErrCode(result.Err, errors.ErrCodeQuantize) {
		t.Errorf("Err = %v, want QUANTIZE", result.Err)
	}
	if _, err := os.Stat(output); !os.IsNotExist(err) {
		t.Errorf("output should not exist after failure: %v", err)
	}
	assertNoTemporaries(t, filepath.Dir(input))
}

func TestRunSkipsExisting(t *testing.T) {
	input, output := setup(t, 4096)
	if err := os.WriteFile(output, []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}
	pre, q := &fakePreprocessor{}, &fakeQuantizer{}

	result := NewRunner(pre, q, nil).Run(context.Background(), input, output, false)
	if !result.Success || !result.Skipped {
		t.Fatalf("Run() = %+v, want skipped", result)
	}
	if pre.calls != 0 || len(q.requests) != 0 {
		t.Errorf("collaborators invoked on skip: pre=%d quantize=%d", pre.calls, len(q.requests))
	}
	content, _ := os.ReadFile(output)
	if string(content) != "existing" {
		t.Errorf("existing output modified")
	}
}

func TestRunForceOverwrites(t *testing.T) {
	input, output := setup(t, 4096)
	if err := os.WriteFile(output, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := NewRunner(&fakePreprocessor{}, &fakeQuantizer{}, nil).Run(context.Background(), input, output, true)
	if !result.Success || result.Skipped {
		t.Fatalf("Run() = %+v", result)
	}
	if result.OutputSize != 1024 {
		t.Errorf("OutputSize = %d, want 1024", result.OutputSize)
	}
}

func TestRunFailedForceKeepsPreviousOutput(t *testing.T) {
	input, output := setup(t, 4096)
	if err := os.WriteFile(output, []byte("previous"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := NewRunner(&fakePreprocessor{}, &fakeQuantizer{err: fmt.Errorf("oom")}, nil).Run(context.Background(), input, output, true)
	if result.Success {
		t.Fatal("Run() succeeded")
	}
	content, _ := os.ReadFile(output)
	if string(content) != "previous" {
		t.Errorf("previous output replaced by a partial write: %q", content)
	}
}

func TestRunFlagsRegression(t *testing.T) {
	input, output := setup(t, 1024)
	result := NewRunner(&fakePreprocessor{}, &fakeQuantizer{grow: true}, nil).Run(context.Background(), input, output, false)
	if !result.Success || !result.Regressed {
		t.Errorf("Run() = %+v, want regressed success", result)
	}
}

func TestRunIdempotent(t *testing.T) {
	input, output := setup(t, 4096)
	r := NewRunner(&fakePreprocessor{}, &fakeQuantizer{}, nil)
	if res := r.Run(context.Background(), input, output, false); !res.Success {
		t.Fatal(res.Err)
	}
	first, _ := os.ReadFile(output)
	if res := r.Run(context.Background(), input, output, false); !res.Skipped {
		t.Fatalf("second run not skipped: %+v", res)
	}
	second, _ := os.ReadFile(output)
	if !bytes.Equal(first, second) {
		t.Error("second run changed the output")
	}
}

type emptyPreprocessor struct{}

func (emptyPreprocessor) Preprocess(ctx context.Context, input, output string) error {
	return os.WriteFile(output, nil, 0o644)
}

func TestPreprocessRecoverableError(t *testing.T) {
	tests := []struct {
		name string
		pre  onnx.Preprocessor
	}{
		{name: "no preprocessor"},
		{name: "preprocessor fails", pre: &fakePreprocessor{err: fmt.Errorf("shape inference failed")}},
		{name: "empty output", pre: emptyPreprocessor{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input, _ := setup(t, 1024)
			r := &Runner{Preprocessor: tt.pre}
			path, err := r.preprocess(context.Background(), input, filepath.Join(filepath.Dir(input), "model_preprocessed.onnx"))
			if path != "" {
				t.Errorf("preprocess() path = %q on failure", path)
			}
			if !errors.IsErrCode(err, errors.ErrCodePreprocess) {
				t.Errorf("preprocess() error = %v, want PREPROCESS", err)
			}
		})
	}
}
