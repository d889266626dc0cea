// Package vm wires every internal package into the bootable runtime spec
// §4.10 describes (VMStart) and exposes the guest ABI surface of spec
// §"Guest ABI": threads, mutexes, files, directories, and a DateTime
// snapshot, every call returning a status.Code.
package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/SmallBonsai/vmrt/internal/fat16"
	"github.com/SmallBonsai/vmrt/internal/ioasync"
	"github.com/SmallBonsai/vmrt/internal/loader"
	"github.com/SmallBonsai/vmrt/internal/machine"
	"github.com/SmallBonsai/vmrt/internal/mutexmgr"
	"github.com/SmallBonsai/vmrt/internal/obslog"
	"github.com/SmallBonsai/vmrt/internal/sched"
	"github.com/SmallBonsai/vmrt/internal/shmem"
	"github.com/SmallBonsai/vmrt/internal/status"
	"github.com/SmallBonsai/vmrt/internal/vfs"
)

// Config parameterizes VMStart.
type Config struct {
	Machine        machine.Machine
	Loader         loader.Loader
	Log            *obslog.Logger
	ModulePath     string
	ImagePath      string
	SharedMemSize  int
	PageSize       int
	TickIntervalMS int
}

// Runtime is the booted aggregate of every internal package, one per
// guest program (spec §4.10).
type Runtime struct {
	cfg     Config
	machine machine.Machine
	loader  loader.Loader
	log     *obslog.Logger

	sched   *sched.Scheduler
	mutexes *mutexmgr.Manager
	pool    *shmem.Pool
	bridge  *ioasync.Bridge
	vol     *fat16.Volume
	files   *vfs.Manager
	root    *vfs.RootDir

	imageFD int
	idle    *sched.Thread
	main    *sched.Thread
}

// VMStart implements spec §4.10's bootstrap sequence.
func VMStart(cfg Config) (*Runtime, error) {
	if cfg.Log == nil {
		cfg.Log = obslog.Default()
	}
	if cfg.TickIntervalMS <= 0 {
		cfg.TickIntervalMS = 10
	}

	entry, err := cfg.Loader.Load(cfg.ModulePath)
	if err != nil {
		return nil, fmt.Errorf("vm: load guest module: %w", err)
	}

	base, err := cfg.Machine.Initialize(cfg.SharedMemSize)
	if err != nil {
		return nil, fmt.Errorf("vm: initialize shared memory: %w", err)
	}
	n := shmem.SectionCount(len(base), cfg.PageSize)
	pool := shmem.New(base[:n*shmem.SectionSize])

	s := sched.New(cfg.Log)
	pool.Wire(s)
	mutexes := mutexmgr.New(s, cfg.Log)
	bridge := ioasync.New(s, cfg.Machine)

	if err := cfg.Machine.EnableSignals(); err != nil {
		return nil, fmt.Errorf("vm: enable signals: %w", err)
	}

	rt := &Runtime{
		cfg: cfg, machine: cfg.Machine, loader: cfg.Loader, log: cfg.Log,
		sched: s, mutexes: mutexes, pool: pool, bridge: bridge,
	}

	idle, err := s.Create(sched.Idle, idleEntry(s), nil)
	if err != nil {
		return nil, fmt.Errorf("vm: create idle thread: %w", err)
	}
	if err := s.Activate(idle.ID); err != nil {
		return nil, fmt.Errorf("vm: activate idle thread: %w", err)
	}
	rt.idle = idle

	rt.main = s.AdoptCurrentAsMain(entry, nil)

	if err := cfg.Machine.RequestAlarm(cfg.TickIntervalMS, func() {
		s.Tick(mutexes.OnMutexTimeout)
	}); err != nil {
		return nil, fmt.Errorf("vm: arm tick alarm: %w", err)
	}

	fd, result := bridge.Open(context.Background(), cfg.ImagePath, machine.AccessRead|machine.AccessWrite)
	if result < 0 {
		return nil, fmt.Errorf("vm: open image %q: %w", cfg.ImagePath, status.ErrFailure)
	}
	rt.imageFD = fd

	img := fat16.NewImageIO(bridge, pool, mutexes, fd, fat16.Geometry{})
	vol, err := fat16.Mount(img, cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("vm: mount image: %w", err)
	}
	rt.vol = vol
	rt.files = vfs.New(bridge, pool, vol, rt.Now)
	rt.root = vfs.NewRootDir(vol)

	// Reserve descriptors 0-2 for console (vfs.Manager's fd counter
	// already starts at 3, matching spec §101's "push three NULL entries
	// so descriptors 0/1/2 align with the open-files vector").

	return rt, nil
}

// Run invokes the guest entry point on the calling (main) goroutine and
// tears the runtime down on return (spec §4.10).
func (rt *Runtime) Run() error {
	rt.main.Entry(rt.main.Arg)
	return rt.Shutdown()
}

// Shutdown closes the image, terminates the machine, and unloads the
// module (spec §4.10's "on return" clause).
func (rt *Runtime) Shutdown() error {
	if err := rt.vol.Close(context.Background()); err != nil {
		rt.log.Warning().Log("dirty-sector flush failed during shutdown")
	}
	if r := rt.bridge.Close(rt.imageFD); r < 0 {
		rt.log.Warning().Log("image close failed during shutdown")
	}
	if err := rt.machine.Terminate(); err != nil {
		return fmt.Errorf("vm: terminate machine: %w", err)
	}
	if err := rt.loader.Unload(); err != nil {
		return fmt.Errorf("vm: unload module: %w", err)
	}
	return nil
}

// idleEntry is spec §12's supplemented idle thread: a real, permanently
// schedulable Thread rather than a special-cased scheduler fallback. It
// never returns; ScheduleLocked itself handles the "nothing else ready"
// case without idle re-enqueuing itself (see DESIGN.md).
func idleEntry(s *sched.Scheduler) sched.EntryFunc {
	return func(any) {
		for {
			s.Lock()
			s.ScheduleLocked()
			s.Unlock()
		}
	}
}

// Now implements spec §12's supplemented DateTime snapshot call.
func (rt *Runtime) Now() fat16.DateTime {
	now := time.Now()
	return fat16.DateTime{
		Year: now.Year(), Month: int(now.Month()), Day: now.Day(),
		Hour: now.Hour(), Minute: now.Minute(), Second: now.Second(),
	}
}
