// Package source reads documentation files from the upstream repository.
package source

import "context"

// Source provides read-only access to upstream files by path
type Source interface {
	// Fetch returns the content of the file at path
	Fetch(ctx context.Context, path string) ([]byte, error)
	// List returns the files directly inside dir
	List(ctx context.Context, dir string) ([]Entry, error)
}

// Entry is a file in an upstream directory listing
type Entry struct {
	Name string
	Path string
	Size int
	SHA  string
}
