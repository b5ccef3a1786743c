package stage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"kubegems.io/onnxq/pkg/errors"
	"kubegems.io/onnxq/pkg/locator"
	"kubegems.io/onnxq/pkg/onnx"
	"kubegems.io/onnxq/pkg/types"
	"kubegems.io/onnxq/pkg/units"
)

// PartialSuffix marks a quantized artifact that is still being written.
const PartialSuffix = ".partial"

// Runner executes preprocess then quantize for a single artifact.
type Runner struct {
	Preprocessor onnx.Preprocessor
	Quantizer    onnx.Quantizer
	Out          io.Writer
}

func NewRunner(pre onnx.Preprocessor, q onnx.Quantizer, out io.Writer) *Runner {
	if out == nil {
		out = io.Discard
	}
	return &Runner{Preprocessor: pre, Quantizer: q, Out: out}
}

// Run quantizes input into output. An existing output is kept unless force is set.
// A failed preprocessing step degrades to quantizing the raw input; a failed
// quantization returns Success=false with a QUANTIZE error. Temporary files are
// removed on every path.
func (r *Runner) Run(ctx context.Context, input, output string, force bool) types.StageResult {
	log := logr.FromContextOrDiscard(ctx).WithValues("input", input, "output", output)
	inputSize := units.BytesOf(input)

	if _, err := os.Stat(output); err == nil && !force {
		fmt.Fprintf(r.Out, "  [SKIP] Already quantized: %s\n", output)
		return types.StageResult{
			Stage:      types.StageQuantize,
			Success:    true,
			Skipped:    true,
			InputSize:  inputSize,
			OutputSize: units.BytesOf(output),
		}
	}
	fmt.Fprintf(r.Out, "  [INFO] Input: %s (%.1fMB)\n", input, units.ToMegabytes(inputSize))

	preprocessed := filepath.Join(filepath.Dir(input), locator.PreprocessedFileName)
	partial := output + PartialSuffix
	defer func() {
		for _, tmp := range []string{preprocessed, partial} {
			if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
				log.Error(err, "remove temporary artifact", "path", tmp)
			}
		}
	}()

	fmt.Fprintf(r.Out, "  [STEP] Preprocessing model...\n")
	quantizeInput, perr := r.preprocess(ctx, input, preprocessed)
	degraded := false
	if perr != nil {
		fmt.Fprintf(r.Out, "  [WARN] Preprocessing failed (%v), using original model\n", perr)
		log.Info("preprocess failed, quantizing raw input", "err", perr.Error())
		quantizeInput, degraded = input, true
	}

	fmt.Fprintf(r.Out, "  [STEP] Quantizing to INT8...\n")
	if err := r.quantize(ctx, quantizeInput, partial, output); err != nil {
		fmt.Fprintf(r.Out, "  [ERROR] Quantization failed: %v\n", err)
		return types.StageResult{
			Stage:     types.StageQuantize,
			Success:   false,
			Degraded:  degraded,
			InputSize: inputSize,
			Err:       err,
		}
	}

	outputSize := units.BytesOf(output)
	result := types.StageResult{
		Stage:      types.StageQuantize,
		Success:    true,
		Degraded:   degraded,
		InputSize:  inputSize,
		OutputSize: outputSize,
		Regressed:  outputSize > inputSize,
	}
	fmt.Fprintf(r.Out, "  [OK] Output: %s (%.1fMB)\n", output, units.ToMegabytes(outputSize))
	if percent, ok := units.ReductionPercent(float64(inputSize), float64(outputSize)); ok {
		fmt.Fprintf(r.Out, "  [OK] Size reduction: %.1f%%\n", percent)
	}
	if result.Regressed {
		fmt.Fprintf(r.Out, "  [WARN] Quantized artifact is larger than its source\n")
		log.Info("quantized artifact larger than source", "inputSize", inputSize, "outputSize", outputSize)
	}
	return result
}

// preprocess returns the path quantization should read, or a recoverable
// PREPROCESS error meaning the caller must fall back to the raw input.
func (r *Runner) preprocess(ctx context.Context, input, preprocessed string) (string, error) {
	if r.Preprocessor == nil {
		return "", errors.NewPreprocessError(input, fmt.Errorf("no preprocessor configured"))
	}
	if err := r.Preprocessor.Preprocess(ctx, input, preprocessed); err != nil {
		return "", errors.NewPreprocessError(input, err)
	}
	if fi, err := os.Stat(preprocessed); err != nil || fi.Size() == 0 {
		return "", errors.NewPreprocessError(input, fmt.Errorf("no output written to %s", preprocessed))
	}
	return preprocessed, nil
}

// quantize writes into partial and renames it over output only once complete,
// so an interrupted run never leaves something that looks finished.
func (r *Runner) quantize(ctx context.Context, input, partial, output string) error {
	_ = os.Remove(partial)
	if err := r.Quantizer.Quantize(ctx, onnx.NewQuantizeRequest(input, partial)); err != nil {
		return errors.NewQuantizeError(input, err)
	}
	if _, err := os.Stat(partial); err != nil {
		return errors.NewQuantizeError(input, fmt.Errorf("quantizer wrote no output: %w", err))
	}
	if err := os.Rename(partial, output); err != nil {
		return errors.NewQuantizeError(input, err)
	}
	return nil
}
