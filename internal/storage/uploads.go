// Package storage writes received attachments to disk.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
)

// ErrStorage marks failures to create or write a file. Callers treat it as
// recoverable for the session.
var ErrStorage = errors.New("storage: write failed")

const maxNameAttempts = 10000

// Dir stores files under one directory, never overwriting an existing name.
type Dir struct {
	path string
}

// NewDir creates dir if needed and returns a Dir rooted there.
func NewDir(dir string) (*Dir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrStorage, dir, err)
	}
	return &Dir{path: dir}, nil
}

// Path returns the root directory.
func (d *Dir) Path() string {
	return d.path
}

// Save writes everything read from r to a fresh file named after name and
// returns the full path. A name already taken becomes "base(1).ext",
// "base(2).ext" and so on. On failure no partial file is left behind.
func (d *Dir) Save(name string, r io.Reader) (string, error) {
	target, err := d.reserve(SanitizeName(name))
	if err != nil {
		return "", err
	}
	if err := atomic.WriteFile(target, r); err != nil {
		_ = os.Remove(target)
		return "", fmt.Errorf("%w: %s: %w", ErrStorage, target, err)
	}
	return target, nil
}

// reserve claims a unique name by creating an empty placeholder, so that
// concurrent saves of the same name cannot pick the same target.
func (d *Dir) reserve(name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	candidate := name
	for i := 1; i <= maxNameAttempts; i++ {
		target := filepath.Join(d.path, candidate)
		f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if err := f.Close(); err != nil {
				return "", fmt.Errorf("%w: %s: %v", ErrStorage, target, err)
			}
			return target, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s: %v", ErrStorage, target, err)
		}
		candidate = fmt.Sprintf("%s(%d)%s", base, i, ext)
	}
	return "", fmt.Errorf("%w: no free name for %q", ErrStorage, name)
}

// SanitizeName reduces a peer-supplied file name to a bare base name.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(strings.TrimSpace(name))
	switch name {
	case "", ".", "..", "/":
		return "upload"
	}
	return name
}
