// Package loader defines the guest module loader contract spec §1 treats
// as an external collaborator ("the binary loader that maps the guest
// module into memory and returns an entry point") — out of scope for
// re-specification, but internal/vm needs an interface to call through
// and something to call during tests.
package loader

import (
	"fmt"

	"github.com/SmallBonsai/vmrt/internal/sched"
	"github.com/SmallBonsai/vmrt/internal/status"
)

// Loader maps a guest module into memory and returns its entry point.
type Loader interface {
	// Load maps path into memory and returns the guest's entry function.
	Load(path string) (sched.EntryFunc, error)
	// Unload releases whatever Load mapped.
	Unload() error
}

var ErrNotLoaded = fmt.Errorf("loader: module not loaded: %w", status.ErrState)

// Static is a trivial Loader that always hands back a fixed entry
// function, standing in for the real binary loader this module doesn't
// re-specify (spec §1, §7).
type Static struct {
	Entry  sched.EntryFunc
	loaded bool
}

// NewStatic builds a Loader around a single pre-built entry function.
func NewStatic(entry sched.EntryFunc) *Static {
	return &Static{Entry: entry}
}

func (s *Static) Load(path string) (sched.EntryFunc, error) {
	if s.Entry == nil {
		return nil, ErrNotLoaded
	}
	s.loaded = true
	return s.Entry, nil
}

func (s *Static) Unload() error {
	if !s.loaded {
		return ErrNotLoaded
	}
	s.loaded = false
	return nil
}
