package vfs

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmallBonsai/vmrt/internal/fat16"
	"github.com/SmallBonsai/vmrt/internal/ioasync"
	"github.com/SmallBonsai/vmrt/internal/machine"
	"github.com/SmallBonsai/vmrt/internal/mutexmgr"
	"github.com/SmallBonsai/vmrt/internal/obslog"
	"github.com/SmallBonsai/vmrt/internal/sched"
	"github.com/SmallBonsai/vmrt/internal/shmem"
)

// The on-disk BPB field offsets below mirror the Microsoft FAT16 layout
// internal/fat16 decodes; this builds the same small geometry used by that
// package's own tests (1 reserved sector, 1-sector FAT, 16-entry root, 1
// sector per cluster, 64 total sectors so there's room for multi-cluster
// files).
const (
	totalSectors = 64
	sectorSize   = 512
)

func buildImage() []byte {
	img := make([]byte, totalSectors*sectorSize)
	sector0 := img[:sectorSize]
	binary.LittleEndian.PutUint16(sector0[11:], sectorSize)
	sector0[13] = 1 // sectors per cluster
	binary.LittleEndian.PutUint16(sector0[14:], 1) // reserved sectors
	sector0[16] = 1                                // num FATs
	binary.LittleEndian.PutUint16(sector0[17:], 16) // root entry count
	binary.LittleEndian.PutUint16(sector0[22:], 1)  // sectors per FAT
	binary.LittleEndian.PutUint16(sector0[19:], totalSectors)
	return img
}

type fixture struct {
	s    *sched.Scheduler
	mgr  *Manager
	root *RootDir
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, os.WriteFile(path, buildImage(), 0o644))

	s := sched.New(nil)
	idle, err := s.Create(sched.Idle, func(any) {
		for {
			s.Lock()
			s.ScheduleLocked()
			s.Unlock()
		}
	}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Activate(idle.ID))

	m := machine.NewSimMachine()
	bridge := ioasync.New(s, m)
	pool := shmem.New(make([]byte, 4*shmem.SectionSize))
	pool.Wire(s)
	mutexes := mutexmgr.New(s, obslog.Noop())

	f := &fixture{s: s}
	runOnThread(t, s, func() {
		fd, result := bridge.Open(context.Background(), path, machine.AccessRead|machine.AccessWrite)
		require.GreaterOrEqual(t, result, 0)
		img := fat16.NewImageIO(bridge, pool, mutexes, fd, fat16.Geometry{})
		vol, err := fat16.Mount(img, obslog.Noop())
		require.NoError(t, err)
		clock := func() fat16.DateTime { return fat16.DateTime{Year: 2024, Month: 1, Day: 1} }
		f.mgr = New(bridge, pool, vol, clock)
		f.root = NewRootDir(vol)
	})
	return f
}

func runOnThread(t *testing.T, s *sched.Scheduler, fn func()) {
	t.Helper()
	done := make(chan struct{})
	th, err := s.Create(sched.Normal, func(any) {
		fn()
		close(done)
	}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Activate(th.ID))
	s.Lock()
	s.ScheduleLocked()
	s.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("guest thread never completed")
	}
}

func TestOpen_CreatesAndReopensFile(t *testing.T) {
	f := newFixture(t)

	runOnThread(t, f.s, func() {
		fd, err := f.mgr.Open("hello.txt", machine.AccessWrite|machine.Create)
		require.NoError(t, err)
		n, err := f.mgr.Write(fd, []byte("hi there"))
		require.NoError(t, err)
		assert.Equal(t, 8, n)
		require.NoError(t, f.mgr.Close(fd))
	})

	runOnThread(t, f.s, func() {
		fd, err := f.mgr.Open("hello.txt", machine.AccessRead)
		require.NoError(t, err)
		buf := make([]byte, 32)
		n, err := f.mgr.Read(fd, buf)
		require.NoError(t, err)
		assert.Equal(t, "hi there", string(buf[:n]))
		require.NoError(t, f.mgr.Close(fd))
	})
}

func TestOpen_MissingFileWithoutCreateFails(t *testing.T) {
	f := newFixture(t)
	runOnThread(t, f.s, func() {
		_, err := f.mgr.Open("nope.txt", machine.AccessRead)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestWrite_AppendOffsetContinuesFromEnd(t *testing.T) {
	f := newFixture(t)

	runOnThread(t, f.s, func() {
		fd, err := f.mgr.Open("log.txt", machine.AccessWrite|machine.Create)
		require.NoError(t, err)
		_, err = f.mgr.Write(fd, []byte("first"))
		require.NoError(t, err)
		require.NoError(t, f.mgr.Close(fd))
	})

	runOnThread(t, f.s, func() {
		fd, err := f.mgr.Open("log.txt", machine.AccessWrite|machine.Append)
		require.NoError(t, err)
		_, err = f.mgr.Write(fd, []byte("second"))
		require.NoError(t, err)
		require.NoError(t, f.mgr.Close(fd))
	})

	runOnThread(t, f.s, func() {
		fd, err := f.mgr.Open("log.txt", machine.AccessRead)
		require.NoError(t, err)
		buf := make([]byte, 32)
		n, err := f.mgr.Read(fd, buf)
		require.NoError(t, err)
		assert.Equal(t, "firstsecond", string(buf[:n]))
		require.NoError(t, f.mgr.Close(fd))
	})
}

func TestWrite_CrossesClusterBoundaryByExtendingChain(t *testing.T) {
	f := newFixture(t)
	payload := make([]byte, sectorSize+100) // bigger than one 512-byte cluster
	for i := range payload {
		payload[i] = byte(i)
	}

	runOnThread(t, f.s, func() {
		fd, err := f.mgr.Open("big.bin", machine.AccessWrite|machine.Create)
		require.NoError(t, err)
		n, err := f.mgr.Write(fd, payload)
		require.NoError(t, err)
		assert.Equal(t, len(payload), n)
		require.NoError(t, f.mgr.Close(fd))
	})

	runOnThread(t, f.s, func() {
		fd, err := f.mgr.Open("big.bin", machine.AccessRead)
		require.NoError(t, err)
		buf := make([]byte, len(payload))
		n, err := f.mgr.Read(fd, buf)
		require.NoError(t, err)
		assert.Equal(t, len(payload), n)
		assert.Equal(t, payload, buf)
		require.NoError(t, f.mgr.Close(fd))
	})
}

func TestSeek_SetCurEnd(t *testing.T) {
	f := newFixture(t)

	runOnThread(t, f.s, func() {
		fd, err := f.mgr.Open("seek.bin", machine.AccessWrite|machine.Create)
		require.NoError(t, err)
		_, err = f.mgr.Write(fd, []byte("0123456789"))
		require.NoError(t, err)
		require.NoError(t, f.mgr.Close(fd))
	})

	runOnThread(t, f.s, func() {
		fd, err := f.mgr.Open("seek.bin", machine.AccessRead)
		require.NoError(t, err)

		pos, err := f.mgr.Seek(fd, 3, SeekSet)
		require.NoError(t, err)
		assert.Equal(t, 3, pos)

		pos, err = f.mgr.Seek(fd, 2, SeekCur)
		require.NoError(t, err)
		assert.Equal(t, 5, pos)

		pos, err = f.mgr.Seek(fd, -4, SeekEnd)
		require.NoError(t, err)
		assert.Equal(t, 6, pos)

		buf := make([]byte, 4)
		n, err := f.mgr.Read(fd, buf)
		require.NoError(t, err)
		assert.Equal(t, "6789", string(buf[:n]))
		require.NoError(t, f.mgr.Close(fd))
	})
}

func TestClose_RejectsDoubleClose(t *testing.T) {
	f := newFixture(t)
	runOnThread(t, f.s, func() {
		fd, err := f.mgr.Open("x.txt", machine.AccessWrite|machine.Create)
		require.NoError(t, err)
		require.NoError(t, f.mgr.Close(fd))
		err = f.mgr.Close(fd)
		assert.ErrorIs(t, err, ErrBadFD)
	})
}

func TestRootDir_EnumeratesEveryEntryOnceInOnDiskOrder(t *testing.T) {
	f := newFixture(t)

	names := []string{"a.txt", "b.txt", "c.txt"}
	runOnThread(t, f.s, func() {
		for _, n := range names {
			fd, err := f.mgr.Open(n, machine.AccessWrite|machine.Create)
			require.NoError(t, err)
			require.NoError(t, f.mgr.Close(fd))
		}
	})

	runOnThread(t, f.s, func() {
		require.NoError(t, f.root.Open("/"))
		var got []string
		for {
			d, err := f.root.Read()
			if err != nil {
				assert.ErrorIs(t, err, ErrNoMoreEntries)
				break
			}
			got = append(got, d.ShortName())
		}
		assert.Equal(t, []string{"A.TXT", "B.TXT", "C.TXT"}, got)

		require.NoError(t, f.root.Rewind())
		first, err := f.root.Read()
		require.NoError(t, err)
		assert.Equal(t, "A.TXT", first.ShortName())
		require.NoError(t, f.root.Close())
	})
}

func TestRootDir_OnlyAbsoluteRootPathIsValid(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.root.Open("/sub"), ErrNotRoot)
}

func TestRootDir_ChangeDirectoryAlwaysFails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.root.Open("/"))
	assert.Error(t, f.root.Change("/anything"))
	assert.Equal(t, "/", f.root.Current())
}

func TestIsConsole(t *testing.T) {
	assert.True(t, IsConsole(0))
	assert.True(t, IsConsole(1))
	assert.True(t, IsConsole(2))
	assert.False(t, IsConsole(3))
	assert.False(t, IsConsole(-1))
}
