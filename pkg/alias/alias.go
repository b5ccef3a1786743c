package alias

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"kubegems.io/onnxq/pkg/errors"
)

// Pointer is a stable name that resolves to the latest produced artifact.
type Pointer interface {
	// Path is where the pointer lives.
	Path() string
	// Target returns the target as stored, relative to the pointer's directory.
	Target() (string, error)
	// SetTarget replaces the target wholesale. Readers observe either the old
	// or the new target, never a missing pointer.
	SetTarget(target string) error
}

type Kind string

const (
	KindSymlink Kind = "symlink"
	KindFile    Kind = "file"
)

func New(kind Kind, path string) (Pointer, error) {
	switch kind {
	case KindSymlink, "":
		return Symlink{path: path}, nil
	case KindFile:
		return File{path: path}, nil
	default:
		return nil, errors.NewUnsupportedError("alias kind: " + string(kind))
	}
}

// Relink points alias at target using a path relative to the alias directory.
// Calling it again with the same target leaves the same end state.
func Relink(p Pointer, target string) (string, error) {
	rel, err := filepath.Rel(filepath.Dir(p.Path()), target)
	if err != nil {
		return "", fmt.Errorf("relative alias target %s: %w", target, err)
	}
	if err := p.SetTarget(rel); err != nil {
		return "", err
	}
	return rel, nil
}

// Resolve returns the absolute path the pointer currently designates.
func Resolve(p Pointer) (string, error) {
	target, err := p.Target()
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(target) {
		return target, nil
	}
	return filepath.Join(filepath.Dir(p.Path()), target), nil
}

type Symlink struct {
	path string
}

func (s Symlink) Path() string { return s.path }

func (s Symlink) Target() (string, error) {
	return os.Readlink(s.path)
}

func (s Symlink) SetTarget(target string) error {
	if fi, err := os.Lstat(s.path); err == nil {
		if fi.Mode()&os.ModeSymlink == 0 {
			return errors.NewAliasConflictError(s.path)
		}
		if current, err := os.Readlink(s.path); err == nil && current == target {
			return nil
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	tmp := tempName(s.path)
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create alias %s: %w", s.path, err)
	}
	// rename replaces an existing link atomically
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace alias %s: %w", s.path, err)
	}
	return nil
}

// File is an indirection file holding the target path, for filesystems
// without symbolic links.
type File struct {
	path string
}

func (f File) Path() string { return f.path }

// maxPointerSize bounds what File reads; anything larger is not a pointer file.
const maxPointerSize = 4096

func (f File) Target() (string, error) {
	fi, err := os.Lstat(f.path)
	if err != nil {
		return "", err
	}
	if !fi.Mode().IsRegular() || fi.Size() > maxPointerSize {
		return "", errors.NewAliasConflictError(f.path)
	}
	content, err := os.ReadFile(f.path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func (f File) SetTarget(target string) error {
	tmp := tempName(f.path)
	if err := os.WriteFile(tmp, []byte(target+"\n"), 0o644); err != nil {
		return fmt.Errorf("write alias %s: %w", f.path, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace alias %s: %w", f.path, err)
	}
	return nil
}

func tempName(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
}
