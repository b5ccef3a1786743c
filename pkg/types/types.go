package types

import (
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

const TaskImageClassification = "image-classification"

// ModelSpec is one entry of the configured model set.
type ModelSpec struct {
	Name   string `json:"name"`
	Source string `json:"source,omitempty"`
	Task   string `json:"task,omitempty"`
}

type ArtifactPaths struct {
	Input        string `json:"input"`
	Preprocessed string `json:"preprocessed"`
	Quantized    string `json:"quantized"`
	Alias        string `json:"alias"`
}

const (
	StagePreprocess = "preprocess"
	StageQuantize   = "quantize"
	StageExport     = "export"
)

// StageResult is produced once per stage execution and never mutated afterwards.
type StageResult struct {
	Stage      string `json:"stage"`
	Success    bool   `json:"success"`
	Skipped    bool   `json:"skipped,omitempty"`
	Degraded   bool   `json:"degraded,omitempty"` // preprocessing fell back to the raw input
	Regressed  bool   `json:"regressed,omitempty"`
	InputSize  int64  `json:"inputSize"`
	OutputSize int64  `json:"outputSize"`
	Err        error  `json:"-"`
}

type ModelState string

const (
	ModelStatePending   ModelState = "PENDING"
	ModelStateRunning   ModelState = "RUNNING"
	ModelStateSucceeded ModelState = "SUCCEEDED"
	ModelStateFailed    ModelState = "FAILED"
	ModelStateSkipped   ModelState = "SKIPPED"
)

func (s ModelState) Terminal() bool {
	return s == ModelStateSucceeded || s == ModelStateFailed || s == ModelStateSkipped
}

type RunSummary struct {
	Attempted        int      `json:"attempted"`
	Succeeded        int      `json:"succeeded"`
	Failed           int      `json:"failed"`
	Skipped          int      `json:"skipped"`
	TotalInputBytes  int64    `json:"totalInputBytes"`
	TotalOutputBytes int64    `json:"totalOutputBytes"`
	Regressions      []string `json:"regressions,omitempty"`
}

// TensorSpec describes one model input or output. Dynamic dimensions are -1,
// with the symbolic name kept in DimNames at the same index when known.
type TensorSpec struct {
	Name     string   `json:"name"`
	ElemType string   `json:"type"`
	Shape    []int64  `json:"shape"`
	DimNames []string `json:"dimNames,omitempty"`
}

func (t TensorSpec) String() string {
	dims := make([]string, len(t.Shape))
	for i, d := range t.Shape {
		switch {
		case d >= 0:
			dims[i] = strconv.FormatInt(d, 10)
		case i < len(t.DimNames) && t.DimNames[i] != "":
			dims[i] = t.DimNames[i]
		default:
			dims[i] = "?"
		}
	}
	return t.Name + " [" + strings.Join(dims, ",") + "]"
}

type VerificationResult struct {
	Loaded  bool         `json:"loaded"`
	Inputs  []TensorSpec `json:"inputs,omitempty"`
	Outputs []TensorSpec `json:"outputs,omitempty"`
	Err     error        `json:"-"`
}

type Descriptor struct {
	Name        string            `json:"name"`
	MediaType   string            `json:"mediaType,omitempty"`
	Digest      digest.Digest     `json:"digest,omitempty"`
	Size        int64             `json:"size,omitempty"`
	Modified    time.Time         `json:"modified,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

func SortDescriptorName(a, b Descriptor) bool {
	return strings.Compare(a.Name, b.Name) < 0
}

type Index struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType,omitempty"`
	Manifests     []Descriptor      `json:"manifests"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// Find returns the descriptor with the given name.
func (i Index) Find(name string) (Descriptor, bool) {
	for _, desc := range i.Manifests {
		if desc.Name == name {
			return desc, true
		}
	}
	return Descriptor{}, false
}
