// Package locator maps logical model names onto the on-disk layout:
//
//	<root>/<name>/model.onnx             source (primary)
//	<root>/<name>/onnx/model.onnx        source (fallback, exporter output)
//	<root>/<name>/model_int8.onnx        quantized output
//	<root>/<name>/onnx/model_quantized.onnx  alias of the quantized output
package locator

import (
	"os"
	"path/filepath"
	"strings"

	"kubegems.io/onnxq/pkg/errors"
	"kubegems.io/onnxq/pkg/types"
)

const (
	ModelFileName         = "model.onnx"
	PreprocessedFileName  = "model_preprocessed.onnx"
	QuantizedFileName     = "model_int8.onnx"
	AliasFileName         = "model_quantized.onnx"
	ExportDirName         = "onnx"
	ExportedModelFileName = ModelFileName
)

type Locator struct {
	Root string
}

func New(root string) *Locator {
	return &Locator{Root: root}
}

func (l *Locator) ModelDir(name string) string {
	return filepath.Join(l.Root, name)
}

// ExportDir is where the exporter writes, and where the alias lives.
func (l *Locator) ExportDir(name string) string {
	return filepath.Join(l.ModelDir(name), ExportDirName)
}

// Resolve derives all artifact paths for name without touching anything.
// The input is the first existing candidate; when none exists the primary
// candidate is returned so callers can report it.
func (l *Locator) Resolve(name string) types.ArtifactPaths {
	paths, _ := l.resolve(name)
	return paths
}

// ResolveExisting is Resolve for read operations: it fails with a NOT_FOUND
// error when no input candidate exists.
func (l *Locator) ResolveExisting(name string) (types.ArtifactPaths, error) {
	if err := ValidateName(name); err != nil {
		return types.ArtifactPaths{}, err
	}
	paths, found := l.resolve(name)
	if !found {
		return paths, errors.NewNotFoundError("model " + paths.Input)
	}
	return paths, nil
}

func (l *Locator) resolve(name string) (types.ArtifactPaths, bool) {
	modeldir := l.ModelDir(name)
	candidates := []string{
		filepath.Join(modeldir, ModelFileName),
		filepath.Join(modeldir, ExportDirName, ModelFileName),
	}
	input, found := candidates[0], false
	for _, candidate := range candidates {
		if isFile(candidate) {
			input, found = candidate, true
			break
		}
	}
	return types.ArtifactPaths{
		Input:        input,
		Preprocessed: filepath.Join(filepath.Dir(input), PreprocessedFileName),
		Quantized:    filepath.Join(modeldir, QuantizedFileName),
		Alias:        filepath.Join(modeldir, ExportDirName, AliasFileName),
	}, found
}

// ValidateName rejects names that would escape the model root.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errors.NewParameterInvalidError("model name must not be empty")
	case name == "." || name == "..",
		strings.ContainsAny(name, `/\`):
		return errors.NewParameterInvalidError("invalid model name: " + name)
	}
	return nil
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
