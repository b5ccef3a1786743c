package publish

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"kubegems.io/onnxq/pkg/errors"
)

const (
	DefaultFileMode = 0o644
	DefaultDirMode  = 0o755
)

const metaSuffix = ".meta"

type LocalFSOptions struct {
	Basepath string `json:"basepath,omitempty"`
}

var _ FSProvider = &LocalFSProvider{}

// LocalFSProvider stores objects as files under a directory, with content
// metadata in a ".meta" sidecar next to each object.
type LocalFSProvider struct {
	basepath string
}

func NewLocalFSProvider(options *LocalFSOptions) (*LocalFSProvider, error) {
	if options.Basepath == "" {
		return nil, errors.NewParameterInvalidError("publish directory must not be empty")
	}
	if err := os.MkdirAll(options.Basepath, DefaultDirMode); err != nil {
		return nil, err
	}
	return &LocalFSProvider{basepath: options.Basepath}, nil
}

type localFileMeta struct {
	ContentType     string `json:"contentType,omitempty"`
	ContentLength   int64  `json:"contentLength,omitempty"`
	ContentEncoding string `json:"contentEncoding,omitempty"`
}

func (f *LocalFSProvider) Put(ctx context.Context, path string, content BlobContent) error {
	if err := f.writedata(path, content); err != nil {
		return err
	}
	return f.writemeta(path, content)
}

func (f *LocalFSProvider) Get(ctx context.Context, path string) (BlobContent, error) {
	stream, err := os.Open(f.join(path))
	if err != nil {
		if os.IsNotExist(err) {
			return BlobContent{}, errors.NewNotFoundError(path)
		}
		return BlobContent{}, err
	}
	meta, err := f.readmeta(path)
	if err != nil {
		stream.Close()
		return BlobContent{}, err
	}
	return BlobContent{
		ContentType:     meta.ContentType,
		ContentLength:   meta.ContentLength,
		ContentEncoding: meta.ContentEncoding,
		Content:         stream,
	}, nil
}

func (f *LocalFSProvider) Remove(ctx context.Context, path string, recursive bool) error {
	if recursive {
		return os.RemoveAll(f.join(path))
	}
	if err := os.Remove(f.join(path) + metaSuffix); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Remove(f.join(path))
}

func (f *LocalFSProvider) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(f.join(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (f *LocalFSProvider) List(ctx context.Context, path string, recursive bool) ([]FsObjectMeta, error) {
	out := []FsObjectMeta{}
	dir := f.join(path)
	if recursive {
		err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || strings.HasSuffix(p, metaSuffix) {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			out = append(out, FsObjectMeta{
				Name:         filepath.ToSlash(rel),
				Size:         fi.Size(),
				LastModified: fi.ModTime(),
			})
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		return out, nil
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, fi := range files {
		if fi.IsDir() || strings.HasSuffix(fi.Name(), metaSuffix) {
			continue
		}
		finfo, err := fi.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, FsObjectMeta{
			Name:         fi.Name(),
			Size:         finfo.Size(),
			LastModified: finfo.ModTime(),
		})
	}
	return out, nil
}

func (f *LocalFSProvider) join(path string) string {
	return filepath.Join(f.basepath, filepath.FromSlash(path))
}

func (f *LocalFSProvider) writemeta(path string, content BlobContent) error {
	meta := localFileMeta{
		ContentType:     content.ContentType,
		ContentLength:   content.ContentLength,
		ContentEncoding: content.ContentEncoding,
	}
	jsonData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.join(path)+metaSuffix, jsonData, DefaultFileMode)
}

// writedata writes to a temporary sibling first so readers never see a partial object.
func (f *LocalFSProvider) writedata(path string, content BlobContent) error {
	datafile := f.join(path)
	if err := os.MkdirAll(filepath.Dir(datafile), DefaultDirMode); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(datafile), "."+filepath.Base(datafile)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, content.Content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), DefaultFileMode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), datafile)
}

func (f *LocalFSProvider) readmeta(path string) (*localFileMeta, error) {
	raw, err := os.ReadFile(f.join(path) + metaSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return &localFileMeta{}, nil
		}
		return nil, err
	}
	var meta localFileMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
