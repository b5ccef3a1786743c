package index

import (
	"context"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"kubegems.io/onnxq/pkg/alias"
	"kubegems.io/onnxq/pkg/errors"
	"kubegems.io/onnxq/pkg/locator"
	"kubegems.io/onnxq/pkg/onnx"
	"kubegems.io/onnxq/pkg/types"
)

const (
	MediaTypeIndexJson        = "application/vnd.onnxq.index.v1.json"
	MediaTypeModelSource      = "application/vnd.onnxq.model.source.v1+onnx"
	MediaTypeModelQuantized   = "application/vnd.onnxq.model.int8.v1+onnx"
	MediaTypeModelAlias       = "application/vnd.onnxq.model.alias.v1"
	MediaTypeDirectoryTarGz   = "application/vnd.onnxq.model.directory.v1.tar+gz"
	AnnotationModel           = "onnxq.model.name"
	AnnotationAliasTarget     = "onnxq.alias.target"
	AnnotationWeightType      = "onnxq.quantization.weightType"
	AnnotationSourceReference = "onnxq.model.source"
)

const SchemaVersion = 1

type Builder struct {
	Locator     *locator.Locator
	AliasKind   alias.Kind
	Digest      bool
	Concurrency int
}

// Build describes every existing artifact of the named models. It only reads.
func (b *Builder) Build(ctx context.Context, specs []types.ModelSpec) (types.Index, error) {
	log := logr.FromContextOrDiscard(ctx)

	var descs []types.Descriptor
	for _, spec := range specs {
		if err := locator.ValidateName(spec.Name); err != nil {
			return types.Index{}, err
		}
		paths := b.Locator.Resolve(spec.Name)
		annotations := map[string]string{AnnotationModel: spec.Name}
		if spec.Source != "" {
			annotations[AnnotationSourceReference] = spec.Source
		}
		if desc, ok := b.describeFile(paths.Input, MediaTypeModelSource, annotations); ok {
			descs = append(descs, desc)
		}
		quantizedAnnotations := map[string]string{
			AnnotationModel:      spec.Name,
			AnnotationWeightType: string(onnx.WeightTypeQUInt8),
		}
		if desc, ok := b.describeFile(paths.Quantized, MediaTypeModelQuantized, quantizedAnnotations); ok {
			descs = append(descs, desc)
		}
		if desc, ok := b.describeAlias(paths.Alias, spec.Name); ok {
			descs = append(descs, desc)
		}
	}

	if b.Digest {
		if err := b.digestAll(ctx, descs); err != nil {
			return types.Index{}, err
		}
	}
	slices.SortFunc(descs, types.SortDescriptorName)
	log.V(1).Info("index built", "artifacts", len(descs))

	return types.Index{
		SchemaVersion: SchemaVersion,
		MediaType:     MediaTypeIndexJson,
		Manifests:     descs,
	}, nil
}

// Name is the index entry name for a path: relative to the model root.
func (b *Builder) Name(path string) string {
	rel, err := filepath.Rel(b.Locator.Root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func (b *Builder) describeFile(path, mediaType string, annotations map[string]string) (types.Descriptor, bool) {
	fi, err := os.Lstat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return types.Descriptor{}, false
	}
	return types.Descriptor{
		Name:        b.Name(path),
		MediaType:   mediaType,
		Size:        fi.Size(),
		Modified:    fi.ModTime(),
		Annotations: annotations,
	}, true
}

func (b *Builder) describeAlias(path, model string) (types.Descriptor, bool) {
	p, err := alias.New(b.AliasKind, path)
	if err != nil {
		return types.Descriptor{}, false
	}
	target, err := p.Target()
	if err != nil {
		return types.Descriptor{}, false
	}
	fi, err := os.Lstat(path)
	if err != nil {
		return types.Descriptor{}, false
	}
	return types.Descriptor{
		Name:      b.Name(path),
		MediaType: MediaTypeModelAlias,
		Modified:  fi.ModTime(),
		Annotations: map[string]string{
			AnnotationModel:       model,
			AnnotationAliasTarget: target,
		},
	}, true
}

func (b *Builder) digestAll(ctx context.Context, descs []types.Descriptor) error {
	eg, ctx := errgroup.WithContext(ctx)
	limit := b.Concurrency
	if limit <= 0 {
		limit = 1
	}
	eg.SetLimit(limit)

	for i := range descs {
		i := i
		if descs[i].MediaType == MediaTypeModelAlias {
			continue
		}
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := DigestFile(filepath.Join(b.Locator.Root, filepath.FromSlash(descs[i].Name)))
			if err != nil {
				return errors.NewInternalError(err)
			}
			descs[i].Digest = d
			return nil
		})
	}
	return eg.Wait()
}

func DigestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.Canonical.FromReader(f)
}
