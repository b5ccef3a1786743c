package publish

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Prune removes blobs no published model index refers to and returns their digests.
func (p *Publisher) Prune(ctx context.Context) ([]digest.Digest, error) {
	log := logr.FromContextOrDiscard(ctx)

	log.Info("start blobs garbage collect")
	defer log.Info("stop blobs garbage collect")

	global, err := p.GlobalIndex(ctx)
	if err != nil {
		return nil, err
	}
	inuse := sets.New[digest.Digest]()
	for _, model := range global.Manifests {
		manifest, err := p.ModelIndex(ctx, model.Name)
		if err != nil {
			return nil, err
		}
		for _, desc := range manifest.Manifests {
			inuse.Insert(desc.Digest)
		}
	}

	all, err := p.Provider.List(ctx, "blobs/"+digest.Canonical.String(), false)
	if err != nil {
		return nil, err
	}
	removed := []digest.Digest{}
	for _, obj := range all {
		d := digest.NewDigestFromEncoded(digest.Canonical, obj.Name)
		if d.Validate() != nil || inuse.Has(d) {
			continue
		}
		if err := p.Provider.Remove(ctx, BlobPath(d), false); err != nil {
			log.Error(err, "remove unused blob", "digest", d.String())
			return removed, err
		}
		log.Info("removed unused blob", "digest", d.String())
		removed = append(removed, d)
	}
	return removed, nil
}
