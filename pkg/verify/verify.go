package verify

import (
	"context"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"kubegems.io/onnxq/pkg/errors"
	"kubegems.io/onnxq/pkg/onnx"
	"kubegems.io/onnxq/pkg/types"
)

type Verifier struct {
	Runtime onnx.Runtime
}

func New(runtime onnx.Runtime) *Verifier {
	return &Verifier{Runtime: runtime}
}

// Verify loads the artifact on the CPU provider and reports its tensor
// contracts. It never modifies the artifact.
func (v *Verifier) Verify(ctx context.Context, path string) types.VerificationResult {
	log := logr.FromContextOrDiscard(ctx).WithValues("artifact", path)

	fi, err := os.Stat(path)
	if err != nil {
		return types.VerificationResult{Err: errors.NewLoadError(path, err)}
	}
	if fi.IsDir() || fi.Size() == 0 {
		return types.VerificationResult{Err: errors.NewLoadError(path, fmt.Errorf("not a model file"))}
	}

	inputs, outputs, err := v.Runtime.Inspect(ctx, path)
	if err != nil {
		log.V(1).Info("inference session failed", "err", err.Error())
		return types.VerificationResult{Err: errors.NewLoadError(path, err)}
	}
	return types.VerificationResult{Loaded: true, Inputs: inputs, Outputs: outputs}
}
