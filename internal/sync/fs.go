package sync

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/spf13/afero"
)

// aferoVFS lets securejoin resolve symlinks through an afero filesystem
type aferoVFS struct {
	fs afero.Fs
}

func (v aferoVFS) Lstat(name string) (os.FileInfo, error) {
	if lstater, ok := v.fs.(afero.Lstater); ok {
		fi, _, err := lstater.LstatIfPossible(name)
		return fi, err
	}
	return v.fs.Stat(name)
}

func (v aferoVFS) Readlink(name string) (string, error) {
	if reader, ok := v.fs.(afero.LinkReader); ok {
		return reader.ReadlinkIfPossible(name)
	}
	return "", &os.PathError{Op: "readlink", Path: name, Err: afero.ErrNoReadlink}
}

// resolve joins a docs-relative path onto root. Symlinks inside the tree
// are scoped to root, so the result never points outside it.
func (e *Engine) resolve(root, rel string) (string, error) {
	return securejoin.SecureJoinVFS(root, filepath.FromSlash(rel), aferoVFS{fs: e.fs})
}

// probe checks that root exists, is a directory and accepts new files
func (e *Engine) probe(root string) error {
	fi, err := e.fs.Stat(root)
	if err != nil {
		return &WriteError{Path: root, Stage: StageProbe, Err: err}
	}
	if !fi.IsDir() {
		return &WriteError{Path: root, Stage: StageProbe, Err: errors.New("not a directory")}
	}

	f, err := afero.TempFile(e.fs, root, ".docsync-probe-*")
	if err != nil {
		return &WriteError{Path: root, Stage: StageProbe, Err: err}
	}
	name := f.Name()
	_ = f.Close()
	if err := e.fs.Remove(name); err != nil {
		return &WriteError{Path: root, Stage: StageProbe, Err: err}
	}
	return nil
}

// unchanged reports whether the file at path already holds content
func (e *Engine) unchanged(path string, content []byte) (bool, error) {
	current, err := afero.ReadFile(e.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(current, content), nil
}

// writeAtomic writes content to a temp file in the destination directory
// and renames it into place
func (e *Engine) writeAtomic(dst string, content []byte) error {
	if err := e.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	tmpFile, err := afero.TempFile(e.fs, filepath.Dir(dst), ".docsync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = e.fs.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(content); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := e.fs.Chmod(tmpPath, 0o644); err != nil {
		return err
	}

	return e.fs.Rename(tmpPath, dst)
}
