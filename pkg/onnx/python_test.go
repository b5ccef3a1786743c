package onnx

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"kubegems.io/onnxq/pkg/errors"
	"kubegems.io/onnxq/pkg/types"
)

func TestParseSessionInfo(t *testing.T) {
	raw := []byte("2024-01-01 12:00:00 [W:onnxruntime] some warning\n" +
		`{"inputs": [{"name": "pixel_values", "type": "tensor(float)", "shape": ["batch_size", 3, 224, 224]}], ` +
		`"outputs": [{"name": "logits", "type": "tensor(float)", "shape": [null, 2]}]}` + "\n")

	inputs, outputs, err := ParseSessionInfo(raw)
	if err != nil {
		t.Fatal(err)
	}
	wantInputs := []types.TensorSpec{{
		Name:     "pixel_values",
		ElemType: "tensor(float)",
		Shape:    []int64{-1, 3, 224, 224},
		DimNames: []string{"batch_size", "", "", ""},
	}}
	wantOutputs := []types.TensorSpec{{Name: "logits", ElemType: "tensor(float)", Shape: []int64{-1, 2}}}
	if diff := cmp.Diff(wantInputs, inputs); diff != "" {
		t.Errorf("inputs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantOutputs, outputs); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSessionInfoInvalid(t *testing.T) {
	if _, _, err := ParseSessionInfo([]byte("Traceback (most recent call last):")); err == nil {
		t.Error("expected error for non-json output")
	}
}

func TestNewQuantizeRequest(t *testing.T) {
	want := QuantizeRequest{Input: "in.onnx", Output: "out.onnx", WeightType: WeightTypeQUInt8, Optimize: true}
	if diff := cmp.Diff(want, NewQuantizeRequest("in.onnx", "out.onnx")); diff != "" {
		t.Errorf("NewQuantizeRequest() mismatch (-want +got):\n%s", diff)
	}
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 2}
	_, _ = tb.Write([]byte("one\ntw"))
	_, _ = tb.Write([]byte("o\nthree\n\nfour"))
	if got, want := tb.String(), "two\nthree\nfour"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestSummarizeArgs(t *testing.T) {
	got := summarizeArgs([]string{"-c", "import sys", "a.onnx"})
	if diff := cmp.Diff([]string{"-c", "<script>", "a.onnx"}, got); diff != "" {
		t.Errorf("summarizeArgs() mismatch:\n%s", diff)
	}
}

// fakeInterpreter writes a shell script standing in for python.
func fakeInterpreter(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts unavailable")
	}
	file := filepath.Join(t.TempDir(), "python")
	if err := os.WriteFile(file, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return file
}

func TestPythonInspect(t *testing.T) {
	interp := fakeInterpreter(t, `echo '{"inputs":[{"name":"pixel_values","type":"tensor(float)","shape":[1,3,224,224]}],"outputs":[{"name":"logits","type":"tensor(float)","shape":[1,2]}]}'
`)
	inputs, outputs, err := NewPython(interp).Inspect(context.Background(), "model_int8.onnx")
	if err != nil {
		t.Fatal(err)
	}
	if len(inputs) != 1 || !cmp.Equal(inputs[0].Shape, []int64{1, 3, 224, 224}) {
		t.Errorf("inputs = %+v", inputs)
	}
	if len(outputs) != 1 || outputs[0].Name != "logits" {
		t.Errorf("outputs = %+v", outputs)
	}
}

func TestPythonFailureCarriesStderr(t *testing.T) {
	interp := fakeInterpreter(t, `echo "ValueError: bad opset" >&2
exit 1
`)
	err := NewPython(interp).Quantize(context.Background(), NewQuantizeRequest("a", "b"))
	if err == nil || !strings.Contains(err.Error(), "ValueError: bad opset") {
		t.Errorf("Quantize() error = %v", err)
	}
}

func TestPythonExportRetries(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "attempts")
	interp := fakeInterpreter(t, "echo x >> "+counter+"\nexit 1\n")
	p := NewPython(interp)
	p.ExportRetries = 2
	p.ExportMaxInterval = 10 * time.Millisecond

	err := p.Export(context.Background(), ExportRequest{Source: "a/b", Task: types.TaskImageClassification, Opset: 14, OutputDir: t.TempDir()})
	if err == nil {
		t.Fatal("Export() succeeded")
	}
	content, _ := os.ReadFile(counter)
	if attempts := strings.Count(string(content), "x"); attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestPythonCheck(t *testing.T) {
	if err := NewPython(fakeInterpreter(t, "exit 0\n")).Check(context.Background(), ModuleONNX); err != nil {
		t.Errorf("Check() = %v", err)
	}
	err := NewPython(fakeInterpreter(t, "echo 'No module named onnx' >&2\nexit 1\n")).Check(context.Background(), ModuleONNX)
	if !errors.IsErrCode(err, errors.ErrCodeToolchainUnavailable) {
		t.Errorf("Check() = %v, want TOOLCHAIN_UNAVAILABLE", err)
	}
	err = NewPython(filepath.Join(t.TempDir(), "no-such-python")).Check(context.Background())
	if !errors.IsErrCode(err, errors.ErrCodeToolchainUnavailable) {
		t.Errorf("Check(missing interpreter) = %v", err)
	}
}
