package errors

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

func TestIsErrCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrCode
		want bool
	}{
		{name: "nil", err: nil, code: ErrCodeNotFound, want: false},
		{name: "direct", err: NewNotFoundError("model.onnx"), code: ErrCodeNotFound, want: true},
		{name: "wrapped", err: fmt.Errorf("smogy: %w", NewQuantizeError("in.onnx", fs.ErrClosed)), code: ErrCodeQuantize, want: true},
		{name: "other code", err: NewLoadError("x", nil), code: ErrCodeQuantize, want: false},
		{name: "plain error", err: errors.New("boom"), code: ErrCodeInternal, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsErrCode(tt.err, tt.code); got != tt.want {
				t.Errorf("IsErrCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorInfoUnwrap(t *testing.T) {
	err := NewPreprocessError("model.onnx", fs.ErrNotExist)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("errors.Is(%v, fs.ErrNotExist) = false", err)
	}
	if got, want := err.Error(), "PREPROCESS: preprocess model.onnx: file does not exist"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(errors.New("boom")); got != ErrCodeInternal {
		t.Errorf("CodeOf(plain) = %s", got)
	}
	if got := CodeOf(fmt.Errorf("x: %w", NewExportError("repo", nil))); got != ErrCodeExport {
		t.Errorf("CodeOf(export) = %s", got)
	}
}
