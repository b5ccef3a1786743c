package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"
	"kubegems.io/onnxq/pkg/alias"
	"kubegems.io/onnxq/pkg/config"
	"kubegems.io/onnxq/pkg/errors"
	"kubegems.io/onnxq/pkg/index"
	"kubegems.io/onnxq/pkg/locator"
	"kubegems.io/onnxq/pkg/onnx"
	"kubegems.io/onnxq/pkg/stage"
	"kubegems.io/onnxq/pkg/types"
	"kubegems.io/onnxq/pkg/units"
	"kubegems.io/onnxq/pkg/verify"
)

type Mode string

const (
	ModeQuantize Mode = "quantize"
	ModeList     Mode = "list"
	ModeVerify   Mode = "verify"
	ModeExport   Mode = "export"
)

type Options struct {
	Mode  Mode
	Force bool
	// Digest adds sha256 digests to the list report.
	Digest bool
}

type Collaborators struct {
	Exporter     onnx.Exporter
	Preprocessor onnx.Preprocessor
	Quantizer    onnx.Quantizer
	Runtime      onnx.Runtime
	Toolchain    onnx.Toolchain
}

func PythonCollaborators(cfg *config.Config) Collaborators {
	py := onnx.NewPython(cfg.Python)
	py.ExportRetries = cfg.Export.Retries
	py.ExportMaxInterval = cfg.Export.MaxInterval.Duration
	return Collaborators{
		Exporter:     py,
		Preprocessor: py,
		Quantizer:    py,
		Runtime:      py,
		Toolchain:    py,
	}
}

type Orchestrator struct {
	Config    *config.Config
	Locator   *locator.Locator
	Runner    *stage.Runner
	Verifier  *verify.Verifier
	Exporter  onnx.Exporter
	Toolchain onnx.Toolchain
	Out       io.Writer
}

func New(cfg *config.Config, c Collaborators, out io.Writer) *Orchestrator {
	if out == nil {
		out = io.Discard
	}
	return &Orchestrator{
		Config:    cfg,
		Locator:   locator.New(cfg.Root),
		Runner:    stage.NewRunner(c.Preprocessor, c.Quantizer, out),
		Verifier:  verify.New(c.Runtime),
		Exporter:  c.Exporter,
		Toolchain: c.Toolchain,
		Out:       out,
	}
}

type ModelResult struct {
	Name         string
	State        types.ModelState
	Stage        *types.StageResult
	Verification *types.VerificationResult
	AliasTarget  string
	Err          error
}

type Report struct {
	Mode    Mode
	Models  []ModelResult
	Summary types.RunSummary
}

// Err reports per-model failures as a single error, for callers that want
// partial failure reflected in the exit code.
func (r *Report) Err() error {
	if r == nil || r.Summary.Failed == 0 {
		return nil
	}
	failed := []string{}
	for _, m := range r.Models {
		if m.State == types.ModelStateFailed {
			failed = append(failed, m.Name)
		}
	}
	return fmt.Errorf("%d of %d models failed: %s", r.Summary.Failed, r.Summary.Attempted, strings.Join(failed, ", "))
}

func (r *Report) add(res ModelResult) {
	r.Models = append(r.Models, res)
	r.Summary.Attempted++
	switch res.State {
	case types.ModelStateSucceeded:
		r.Summary.Succeeded++
	case types.ModelStateSkipped:
		r.Summary.Skipped++
	case types.ModelStateFailed:
		r.Summary.Failed++
	}
}

// Run executes mode over names, or over the configured set when names is
// empty. Per-model failures are recorded in the report; only an unavailable
// toolchain or an interrupted run returns an error.
func (o *Orchestrator) Run(ctx context.Context, names []string, opts Options) (*Report, error) {
	if len(names) == 0 {
		names = o.Config.ModelNames()
	}
	names = UniqueNames(names)

	switch opts.Mode {
	case ModeList:
		return o.List(ctx, names, opts.Digest)
	case ModeVerify:
		if err := o.checkToolchain(ctx, onnx.ModuleONNXRuntime); err != nil {
			return nil, err
		}
		return o.Verify(ctx, names)
	case ModeExport:
		if err := o.checkToolchain(ctx, onnx.ModuleOptimum); err != nil {
			return nil, err
		}
		return o.Export(ctx, names, opts.Force)
	case ModeQuantize, "":
		if err := o.checkToolchain(ctx, onnx.ModuleONNX, onnx.ModuleONNXRuntime); err != nil {
			return nil, err
		}
		return o.Quantize(ctx, names, opts.Force)
	default:
		return nil, errors.NewParameterInvalidError("unknown mode: " + string(opts.Mode))
	}
}

func (o *Orchestrator) checkToolchain(ctx context.Context, modules ...string) error {
	if o.Toolchain == nil {
		return nil
	}
	return o.Toolchain.Check(ctx, modules...)
}

// Quantize runs export-free quantization for each model in order:
// resolve, preprocess and quantize, relink the alias, report sizes.
func (o *Orchestrator) Quantize(ctx context.Context, names []string, force bool) (*Report, error) {
	o.banner("ONNX Model Quantization (FP32 -> INT8)")
	fmt.Fprintf(o.Out, "\nQuantizing %d models...\n", len(names))

	report, err := o.each(ctx, ModeQuantize, names, func(ctx context.Context, name string, res *ModelResult) types.ModelState {
		return o.quantizeModel(ctx, name, force, res)
	})

	fmt.Fprintf(o.Out, "\n%s\n", strings.Repeat("=", 60))
	fmt.Fprintf(o.Out, "Quantization complete: %d/%d successful\n",
		report.Summary.Succeeded+report.Summary.Skipped, report.Summary.Attempted)
	o.accountSizes(report, names)
	o.printReport(report)
	fmt.Fprintf(o.Out, "\nTo use quantized models, load '%s'\nor the alias at %s\n",
		locator.QuantizedFileName, filepath.Join(o.Config.Root, "*", locator.ExportDirName, locator.AliasFileName))
	return report, err
}

func (o *Orchestrator) quantizeModel(ctx context.Context, name string, force bool, res *ModelResult) types.ModelState {
	log := logr.FromContextOrDiscard(ctx)

	paths, err := o.Locator.ResolveExisting(name)
	if err != nil {
		if errors.IsErrCode(err, errors.ErrCodeNotFound) {
			fmt.Fprintf(o.Out, "  [ERROR] Model not found: %s\n", paths.Input)
		} else {
			fmt.Fprintf(o.Out, "  [ERROR] %v\n", err)
		}
		res.Err = err
		return types.ModelStateFailed
	}

	result := o.Runner.Run(ctx, paths.Input, paths.Quantized, force)
	res.Stage = &result
	if !result.Success {
		res.Err = result.Err
		return types.ModelStateFailed
	}
	if result.Skipped {
		return types.ModelStateSkipped
	}

	target, err := o.relink(ctx, paths)
	if err != nil {
		fmt.Fprintf(o.Out, "  [ERROR] Updating alias failed: %v\n", err)
		fmt.Fprintf(o.Out, "  [HINT] %s is kept; fix %s and rerun with --force to retry the alias\n", paths.Quantized, paths.Alias)
		res.Err = err
		return types.ModelStateFailed
	}
	res.AliasTarget = target
	log.V(1).Info("quantized", "inputSize", result.InputSize, "outputSize", result.OutputSize)
	return types.ModelStateSucceeded
}

// relink points the model's alias at its quantized artifact when the alias
// directory exists.
func (o *Orchestrator) relink(ctx context.Context, paths types.ArtifactPaths) (string, error) {
	aliasdir := filepath.Dir(paths.Alias)
	if fi, err := os.Stat(aliasdir); err != nil || !fi.IsDir() {
		logr.FromContextOrDiscard(ctx).V(1).Info("no alias directory, alias not updated", "dir", aliasdir)
		return "", nil
	}
	p, err := alias.New(alias.Kind(o.Config.Alias.Kind), paths.Alias)
	if err != nil {
		return "", err
	}
	target, err := alias.Relink(p, paths.Quantized)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(o.Out, "  [OK] Updated alias: %s -> %s\n", paths.Alias, target)
	return target, nil
}

// Verify loads each quantized artifact with the inference runtime.
func (o *Orchestrator) Verify(ctx context.Context, names []string) (*Report, error) {
	o.banner("ONNX Model Quantization (FP32 -> INT8)")
	fmt.Fprintf(o.Out, "\nVerifying quantized models...\n")

	report, err := o.each(ctx, ModeVerify, names, func(ctx context.Context, name string, res *ModelResult) types.ModelState {
		if verr := locator.ValidateName(name); verr != nil {
			res.Err = verr
			return types.ModelStateFailed
		}
		paths := o.Locator.Resolve(name)
		fmt.Fprintf(o.Out, "  [STEP] Loading %s...\n", paths.Quantized)
		result := o.Verifier.Verify(ctx, paths.Quantized)
		res.Verification = &result
		if !result.Loaded {
			fmt.Fprintf(o.Out, "  [ERROR] Verification failed: %v\n", result.Err)
			res.Err = result.Err
			return types.ModelStateFailed
		}
		fmt.Fprintf(o.Out, "  [OK] Model loaded successfully\n")
		fmt.Fprintf(o.Out, "  [INFO] Inputs: %s\n", joinTensors(result.Inputs))
		fmt.Fprintf(o.Out, "  [INFO] Outputs: %s\n", joinTensors(result.Outputs))
		return types.ModelStateSucceeded
	})

	fmt.Fprintf(o.Out, "\n%d/%d models verified successfully\n", report.Summary.Succeeded, report.Summary.Attempted)
	o.accountSizes(report, names)
	o.printReport(report)
	return report, err
}

// Export converts models that declare a source into ONNX under their export directory.
func (o *Orchestrator) Export(ctx context.Context, names []string, force bool) (*Report, error) {
	o.banner("ONNX Model Conversion")

	report, err := o.each(ctx, ModeExport, names, func(ctx context.Context, name string, res *ModelResult) types.ModelState {
		if verr := locator.ValidateName(name); verr != nil {
			res.Err = verr
			return types.ModelStateFailed
		}
		spec, _ := o.Config.Lookup(name)
		if spec.Source == "" {
			fmt.Fprintf(o.Out, "  [SKIP] No source configured\n")
			return types.ModelStateSkipped
		}
		outdir := o.Locator.ExportDir(name)
		exported := filepath.Join(outdir, locator.ExportedModelFileName)
		if _, err := os.Stat(exported); err == nil && !force {
			fmt.Fprintf(o.Out, "  [SKIP] Already converted: %s\n", exported)
			return types.ModelStateSkipped
		}
		fmt.Fprintf(o.Out, "  [STEP] Exporting %s (opset %d)...\n", spec.Source, o.Config.Export.Opset)
		req := onnx.ExportRequest{
			Source:    spec.Source,
			Task:      spec.Task,
			Opset:     o.Config.Export.Opset,
			OutputDir: outdir,
		}
		if err := o.Exporter.Export(ctx, req); err != nil {
			res.Err = errors.NewExportError(spec.Source, err)
			fmt.Fprintf(o.Out, "  [ERROR] Failed to export %s: %v\n", spec.Source, err)
			return types.ModelStateFailed
		}
		size := units.BytesOf(exported)
		res.Stage = &types.StageResult{Stage: types.StageExport, Success: true, OutputSize: size}
		fmt.Fprintf(o.Out, "  [OK] ONNX export complete: %s (%.1fMB)\n", exported, units.ToMegabytes(size))
		return types.ModelStateSucceeded
	})

	fmt.Fprintf(o.Out, "\n%s\nConversion Summary\n%s\n", strings.Repeat("=", 60), strings.Repeat("=", 60))
	o.accountSizes(report, names)
	o.printReport(report)
	return report, err
}

// List reports sizes and status for each model without writing anything.
func (o *Orchestrator) List(ctx context.Context, names []string, withDigest bool) (*Report, error) {
	o.banner("ONNX Model Quantization (FP32 -> INT8)")
	fmt.Fprintf(o.Out, "\nAvailable models:\n")

	specs := make([]types.ModelSpec, 0, len(names))
	valid := make([]string, 0, len(names))
	for _, name := range names {
		if err := locator.ValidateName(name); err != nil {
			fmt.Fprintf(o.Out, "  [ERROR] %v\n", err)
			continue
		}
		spec, _ := o.Config.Lookup(name)
		specs = append(specs, spec)
		valid = append(valid, name)
	}
	builder := &index.Builder{
		Locator:     o.Locator,
		AliasKind:   alias.Kind(o.Config.Alias.Kind),
		Digest:      withDigest,
		Concurrency: o.Config.DigestConcurrency,
	}
	idx, err := builder.Build(ctx, specs)
	if err != nil {
		return nil, err
	}

	report := &Report{Mode: ModeList}
	o.accountSizes(report, valid)
	o.printListing(builder, idx, valid, withDigest)
	o.printTotals(report.Summary)
	return report, nil
}

type modelFunc func(ctx context.Context, name string, res *ModelResult) types.ModelState

// each drives every model through PENDING -> RUNNING -> terminal, one at a
// time. A failing model never stops the batch; an interrupted context does.
func (o *Orchestrator) each(ctx context.Context, mode Mode, names []string, fn modelFunc) (*Report, error) {
	base := logr.FromContextOrDiscard(ctx)
	states := NewStates(names)
	report := &Report{Mode: mode}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			base.Info("run interrupted", "remaining", len(names)-report.Summary.Attempted)
			return report, err
		}
		log := base.WithValues("model", name)
		mctx := logr.NewContext(ctx, log)

		fmt.Fprintf(o.Out, "\n[%s]\n", name)
		o.transition(log, states, name, types.ModelStatePending, types.ModelStateRunning)

		res := ModelResult{Name: name}
		state := runModel(mctx, name, &res, fn)
		o.transition(log, states, name, types.ModelStateRunning, state)

		res.State = state
		if res.Err != nil {
			log.Info("model failed", "code", errors.CodeOf(res.Err), "err", res.Err.Error())
		}
		report.add(res)
	}
	return report, nil
}

func runModel(ctx context.Context, name string, res *ModelResult, fn modelFunc) (state types.ModelState) {
	defer func() {
		if r := recover(); r != nil {
			res.Err = errors.NewInternalError(fmt.Errorf("%s: %v", name, r))
			state = types.ModelStateFailed
		}
	}()
	return fn(ctx, name, res)
}

func (o *Orchestrator) transition(log logr.Logger, states States, name string, from, to types.ModelState) {
	if err := states.Transition(name, from, to); err != nil {
		log.Error(err, "state transition")
		return
	}
	log.V(1).Info("state", "from", from, "to", to)
}

// accountSizes totals source and quantized sizes over names and flags any
// quantized artifact larger than its source.
func (o *Orchestrator) accountSizes(report *Report, names []string) {
	for _, name := range names {
		if locator.ValidateName(name) != nil {
			continue
		}
		paths := o.Locator.Resolve(name)
		in, out := units.BytesOf(paths.Input), units.BytesOf(paths.Quantized)
		report.Summary.TotalInputBytes += in
		report.Summary.TotalOutputBytes += out
		if in > 0 && out > in {
			report.Summary.Regressions = append(report.Summary.Regressions, name)
		}
	}
}

func (o *Orchestrator) banner(title string) {
	fmt.Fprintf(o.Out, "%s\n%s\n%s\n", strings.Repeat("=", 60), title, strings.Repeat("=", 60))
}

// UniqueNames drops repeated names, keeping first occurrences in order.
func UniqueNames(names []string) []string {
	seen := sets.New[string]()
	out := make([]string, 0, len(names))
	for _, name := range names {
		if seen.Has(name) {
			continue
		}
		seen.Insert(name)
		out = append(out, name)
	}
	return out
}

func joinTensors(specs []types.TensorSpec) string {
	parts := make([]string, len(specs))
	for i, s := range specs {
		parts[i] = s.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
