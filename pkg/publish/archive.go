package publish

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archiver/v4"
	"github.com/opencontainers/go-digest"
	"kubegems.io/onnxq/pkg/errors"
)

var tgz = archiver.CompressedArchive{
	Archival:    archiver.Tar{},
	Compression: archiver.Gz{},
}

// TGZ archives dir into intofile and returns the digest of the archive.
// Attributes other than name, size, type and permissions are cleared so the
// same tree always produces the same digest.
func TGZ(ctx context.Context, dir string, intofile string) (digest.Digest, error) {
	files, err := archiver.FilesFromDisk(
		&archiver.FromDiskOptions{ClearAttributes: true},
		map[string]string{dir + string(os.PathSeparator): ""},
	)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(intofile), DefaultDirMode); err != nil {
		return "", err
	}
	f, err := os.Create(intofile)
	if err != nil {
		return "", err
	}
	defer f.Close()

	d := digest.Canonical.Digester()
	if err := tgz.Archive(ctx, io.MultiWriter(f, d.Hash()), files); err != nil {
		return "", err
	}
	return d.Digest(), nil
}

// UnTGZ extracts an archive produced by TGZ into intodir.
func UnTGZ(ctx context.Context, r io.Reader, intodir string) error {
	return tgz.Extract(ctx, r, nil, func(ctx context.Context, f archiver.File) error {
		nameinlocal, err := confine(intodir, f.NameInArchive)
		if err != nil {
			return err
		}
		if f.IsDir() {
			return os.MkdirAll(nameinlocal, DefaultDirMode)
		}
		if err := os.MkdirAll(filepath.Dir(nameinlocal), DefaultDirMode); err != nil {
			return err
		}
		// aliases are restored from the index annotations
		if f.Mode()&fs.ModeSymlink != 0 {
			return nil
		}
		srcfile, err := f.Open()
		if err != nil {
			return err
		}
		defer srcfile.Close()

		intofile, err := os.OpenFile(nameinlocal, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode().Perm())
		if err != nil {
			return err
		}
		defer intofile.Close()

		_, err = io.Copy(intofile, srcfile)
		return err
	})
}

// confine joins name onto dir, rejecting absolute names and names that
// resolve outside dir.
func confine(dir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", errors.NewParameterInvalidError("absolute path not allowed: " + name)
	}
	joined := filepath.Join(dir, name)
	rel, err := filepath.Rel(filepath.Clean(dir), joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.NewParameterInvalidError("path escapes " + dir + ": " + name)
	}
	return joined, nil
}
