package vfs

import (
	"fmt"

	"github.com/SmallBonsai/vmrt/internal/fat16"
	"github.com/SmallBonsai/vmrt/internal/status"
)

// RootDescriptor is the one and only pseudo-descriptor spec §4.9 defines:
// "a single pseudo-descriptor (3) represents the root." It lives in its
// own namespace from file descriptors (the guest ABI's directory calls
// are distinct from its file calls).
const RootDescriptor = 3

var (
	ErrNotRoot     = fmt.Errorf("vfs: only the absolute path \"/\" is a valid directory: %w", status.ErrFailure)
	ErrRootClosed  = fmt.Errorf("vfs: root directory descriptor is not open: %w", status.ErrState)
	ErrNoMoreEntries = fmt.Errorf("vfs: no more directory entries: %w", status.ErrFailure)
)

// RootDir is the root directory pseudo-descriptor (spec §4.9): Open is
// valid only for "/", Read walks the cached root list, Rewind resets the
// cursor, Current always reports "/", and Change always fails since
// subdirectories are explicitly unsupported.
type RootDir struct {
	vol    *fat16.Volume
	open   bool
	cursor int
}

// NewRootDir builds the pseudo-descriptor over a mounted Volume.
func NewRootDir(vol *fat16.Volume) *RootDir { return &RootDir{vol: vol} }

// Open validates path is exactly "/" and resets the read cursor.
func (r *RootDir) Open(path string) error {
	if path != "/" {
		return ErrNotRoot
	}
	r.open = true
	r.cursor = 0
	return nil
}

// Close clears the open flag.
func (r *RootDir) Close() error {
	if !r.open {
		return ErrRootClosed
	}
	r.open = false
	return nil
}

// Read returns the next cached root entry in on-disk order (spec §8
// scenario 6: "repeated Read returns every non-long-name, non-empty root
// entry exactly once in on-disk order, then fails").
func (r *RootDir) Read() (fat16.Dirent, error) {
	if !r.open {
		return fat16.Dirent{}, ErrRootClosed
	}
	entries := r.vol.Entries()
	if r.cursor >= len(entries) {
		return fat16.Dirent{}, ErrNoMoreEntries
	}
	d := entries[r.cursor]
	r.cursor++
	return d, nil
}

// Rewind resets the read cursor to the first entry.
func (r *RootDir) Rewind() error {
	if !r.open {
		return ErrRootClosed
	}
	r.cursor = 0
	return nil
}

// Current always reports "/" (spec §4.9: "current-directory always
// returns /").
func (r *RootDir) Current() string { return "/" }

// Change always fails: subdirectories are explicitly unsupported.
func (r *RootDir) Change(string) error {
	return fmt.Errorf("vfs: change-directory is unsupported: %w", status.ErrFailure)
}
