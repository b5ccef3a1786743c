package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	"golang.org/x/exp/slices"
	"kubegems.io/onnxq/pkg/alias"
	"kubegems.io/onnxq/pkg/errors"
	"kubegems.io/onnxq/pkg/index"
	"kubegems.io/onnxq/pkg/locator"
	"kubegems.io/onnxq/pkg/progress"
	"kubegems.io/onnxq/pkg/types"
)

const (
	IndexFileName  = "index.json"
	BundleFileName = locator.ExportDirName + ".tar.gz"
)

// BlobPath is the content-addressed location of a blob.
func BlobPath(d digest.Digest) string {
	return path.Join("blobs", d.Algorithm().String(), d.Hex())
}

func ModelIndexPath(name string) string {
	return path.Join(name, IndexFileName)
}

type Publisher struct {
	Provider    FSProvider
	Locator     *locator.Locator
	AliasKind   alias.Kind
	Concurrency int
	Out         io.Writer
}

type Result struct {
	Uploaded  []string
	Unchanged []string
	Missing   []string
}

type blob struct {
	file string
	desc types.Descriptor
}

// Publish uploads the quantized artifact and the bundled export directory of
// each model, then writes a per-model index and refreshes the global index.
// Models without a quantized artifact are reported as missing.
func (p *Publisher) Publish(ctx context.Context, specs []types.ModelSpec) (*Result, error) {
	log := logr.FromContextOrDiscard(ctx)

	for _, spec := range specs {
		if err := locator.ValidateName(spec.Name); err != nil {
			return nil, err
		}
	}
	global, err := p.GlobalIndex(ctx)
	if err != nil {
		return nil, err
	}
	tmpdir, err := os.MkdirTemp("", "onnxq-publish-")
	if err != nil {
		return nil, errors.NewInternalError(err)
	}
	defer os.RemoveAll(tmpdir)

	out := p.Out
	if out == nil {
		out = io.Discard
	}
	result := &Result{}
	manifests := make([]*types.Index, len(specs))
	var mu sync.Mutex

	mb := progress.NewMultiBar(out, 40, p.Concurrency)
	for i, spec := range specs {
		i, spec := i, spec
		paths := p.Locator.Resolve(spec.Name)
		if fi, err := os.Stat(paths.Quantized); err != nil || !fi.Mode().IsRegular() {
			log.Info("no quantized artifact, not published", "model", spec.Name)
			result.Missing = append(result.Missing, spec.Name)
			continue
		}
		mb.Go(spec.Name, "pending", func(b *progress.Bar) error {
			manifest, uploaded, err := p.publishModel(ctx, spec, paths, tmpdir, b)
			if err != nil {
				return fmt.Errorf("publish %s: %w", spec.Name, err)
			}
			mu.Lock()
			defer mu.Unlock()
			manifests[i] = manifest
			if uploaded {
				result.Uploaded = append(result.Uploaded, spec.Name)
			} else {
				result.Unchanged = append(result.Unchanged, spec.Name)
			}
			return nil
		})
	}
	if err := mb.Wait(); err != nil {
		return result, err
	}

	for i, manifest := range manifests {
		if manifest == nil {
			continue
		}
		desc, err := p.putIndex(ctx, ModelIndexPath(specs[i].Name), *manifest)
		if err != nil {
			return result, err
		}
		desc.Name = specs[i].Name
		desc.Annotations = map[string]string{index.AnnotationModel: specs[i].Name}
		global.Manifests = upsertDescriptor(global.Manifests, desc)
	}
	slices.SortFunc(global.Manifests, types.SortDescriptorName)
	if _, err := p.putIndex(ctx, IndexFileName, global); err != nil {
		return result, err
	}
	log.Info("published", "uploaded", len(result.Uploaded), "unchanged", len(result.Unchanged), "missing", len(result.Missing))
	return result, nil
}

func (p *Publisher) publishModel(ctx context.Context, spec types.ModelSpec, paths types.ArtifactPaths, tmpdir string, b *progress.Bar) (*types.Index, bool, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("model", spec.Name)

	blobs := []blob{}
	quantized, err := describe(paths.Quantized, locator.QuantizedFileName, index.MediaTypeModelQuantized)
	if err != nil {
		return nil, false, err
	}
	quantized.Annotations = map[string]string{
		index.AnnotationModel: spec.Name,
	}
	if ptr, err := alias.New(p.AliasKind, paths.Alias); err == nil {
		if target, err := ptr.Target(); err == nil {
			quantized.Annotations[index.AnnotationAliasTarget] = target
		}
	}
	blobs = append(blobs, blob{file: paths.Quantized, desc: quantized})

	exportdir := p.Locator.ExportDir(spec.Name)
	if fi, err := os.Stat(exportdir); err == nil && fi.IsDir() {
		bundle := filepath.Join(tmpdir, spec.Name, BundleFileName)
		d, err := TGZ(ctx, exportdir, bundle)
		if err != nil {
			return nil, false, errors.NewInternalError(err)
		}
		desc, err := describe(bundle, BundleFileName, index.MediaTypeDirectoryTarGz)
		if err != nil {
			return nil, false, err
		}
		desc.Digest = d
		blobs = append(blobs, blob{file: bundle, desc: desc})
	}

	uploaded := false
	descs := make([]types.Descriptor, 0, len(blobs))
	for _, bl := range blobs {
		if bl.desc.Digest == "" {
			d, err := index.DigestFile(bl.file)
			if err != nil {
				return nil, false, errors.NewInternalError(err)
			}
			bl.desc.Digest = d
		}
		descs = append(descs, bl.desc)

		key := BlobPath(bl.desc.Digest)
		exists, err := p.Provider.Exists(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if exists {
			log.V(1).Info("blob unchanged", "name", bl.desc.Name, "digest", bl.desc.Digest.String())
			continue
		}
		if err := p.putFile(ctx, key, bl, b); err != nil {
			return nil, false, err
		}
		uploaded = true
	}
	if uploaded {
		b.SetStatus("uploaded", true)
	} else {
		b.SetStatus("unchanged", true)
	}

	annotations := map[string]string{index.AnnotationModel: spec.Name}
	if spec.Source != "" {
		annotations[index.AnnotationSourceReference] = spec.Source
	}
	return &types.Index{
		SchemaVersion: index.SchemaVersion,
		MediaType:     index.MediaTypeIndexJson,
		Manifests:     descs,
		Annotations:   annotations,
	}, uploaded, nil
}

func (p *Publisher) putFile(ctx context.Context, key string, bl blob, b *progress.Bar) error {
	f, err := os.Open(bl.file)
	if err != nil {
		return err
	}
	defer f.Close()
	return p.Provider.Put(ctx, key, BlobContent{
		ContentType:   bl.desc.MediaType,
		ContentLength: bl.desc.Size,
		Content:       io.NopCloser(b.WrapReader(f, bl.desc.Size, "uploading "+bl.desc.Name)),
	})
}

func (p *Publisher) putIndex(ctx context.Context, key string, idx types.Index) (types.Descriptor, error) {
	raw, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return types.Descriptor{}, errors.NewInternalError(err)
	}
	if err := p.Provider.Put(ctx, key, BlobContent{
		ContentType:   index.MediaTypeIndexJson,
		ContentLength: int64(len(raw)),
		Content:       io.NopCloser(bytes.NewReader(raw)),
	}); err != nil {
		return types.Descriptor{}, err
	}
	return types.Descriptor{
		Name:      key,
		MediaType: index.MediaTypeIndexJson,
		Digest:    digest.FromBytes(raw),
		Size:      int64(len(raw)),
		Modified:  time.Now().UTC(),
	}, nil
}

// GlobalIndex returns the published global index, or an empty one when
// nothing has been published yet.
func (p *Publisher) GlobalIndex(ctx context.Context) (types.Index, error) {
	idx, err := p.getIndex(ctx, IndexFileName)
	if errors.IsErrCode(err, errors.ErrCodeNotFound) {
		return types.Index{SchemaVersion: index.SchemaVersion, MediaType: index.MediaTypeIndexJson}, nil
	}
	return idx, err
}

func (p *Publisher) ModelIndex(ctx context.Context, name string) (types.Index, error) {
	return p.getIndex(ctx, ModelIndexPath(name))
}

func (p *Publisher) getIndex(ctx context.Context, key string) (types.Index, error) {
	content, err := p.Provider.Get(ctx, key)
	if err != nil {
		return types.Index{}, err
	}
	defer content.Close()

	var idx types.Index
	if err := json.NewDecoder(content).Decode(&idx); err != nil {
		return types.Index{}, errors.NewInternalError(fmt.Errorf("decode %s: %w", key, err))
	}
	return idx, nil
}

// Fetch downloads a published model into intodir, restoring the quantized
// artifact and the export directory with its alias.
func (p *Publisher) Fetch(ctx context.Context, name, intodir string) error {
	if err := locator.ValidateName(name); err != nil {
		return err
	}
	manifest, err := p.ModelIndex(ctx, name)
	if err != nil {
		return err
	}
	for _, desc := range manifest.Manifests {
		if err := locator.ValidateName(desc.Name); err != nil {
			return fmt.Errorf("fetch %s: %w", name, err)
		}
		if err := desc.Digest.Validate(); err != nil {
			return errors.NewParameterInvalidError(fmt.Sprintf("fetch %s/%s: %v", name, desc.Name, err))
		}
	}
	for _, desc := range manifest.Manifests {
		content, err := p.Provider.Get(ctx, BlobPath(desc.Digest))
		if err != nil {
			return err
		}
		switch desc.MediaType {
		case index.MediaTypeDirectoryTarGz:
			err = UnTGZ(ctx, content, filepath.Join(intodir, locator.ExportDirName))
		default:
			err = writeVerified(filepath.Join(intodir, desc.Name), content, desc.Digest)
		}
		content.Close()
		if err != nil {
			return fmt.Errorf("fetch %s/%s: %w", name, desc.Name, err)
		}
	}
	quantized, ok := manifest.Find(locator.QuantizedFileName)
	if !ok {
		return nil
	}
	target, ok := quantized.Annotations[index.AnnotationAliasTarget]
	if !ok {
		return nil
	}
	aliaspath := filepath.Join(intodir, locator.ExportDirName, locator.AliasFileName)
	if _, err := confine(intodir, filepath.Join(locator.ExportDirName, target)); err != nil {
		return fmt.Errorf("fetch %s alias: %w", name, err)
	}
	ptr, err := alias.New(p.AliasKind, aliaspath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(ptr.Path()), DefaultDirMode); err != nil {
		return err
	}
	// the bundle may carry a dereferenced copy of the alias
	_ = os.Remove(ptr.Path())
	return ptr.SetTarget(target)
}

func writeVerified(dest string, r io.Reader, want digest.Digest) error {
	if err := os.MkdirAll(filepath.Dir(dest), DefaultDirMode); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	verifier := want.Verifier()
	if _, err := io.Copy(io.MultiWriter(f, verifier), r); err != nil {
		return err
	}
	if !verifier.Verified() {
		return errors.NewInternalError(fmt.Errorf("digest mismatch for %s", dest))
	}
	return nil
}

func describe(file, name, mediaType string) (types.Descriptor, error) {
	fi, err := os.Stat(file)
	if err != nil {
		return types.Descriptor{}, err
	}
	return types.Descriptor{
		Name:      name,
		MediaType: mediaType,
		Size:      fi.Size(),
		Modified:  fi.ModTime(),
	}, nil
}

func upsertDescriptor(descs []types.Descriptor, desc types.Descriptor) []types.Descriptor {
	for i := range descs {
		if descs[i].Name == desc.Name {
			descs[i] = desc
			return descs
		}
	}
	return append(descs, desc)
}
