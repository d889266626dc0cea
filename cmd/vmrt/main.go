// Command vmrt boots the VM runtime against a FAT16 image and a guest
// module, grounded on moby-moby/cmd/docker's cobra-based daemon entry
// point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/SmallBonsai/vmrt/internal/loader"
	"github.com/SmallBonsai/vmrt/internal/machine"
	"github.com/SmallBonsai/vmrt/internal/obslog"
	"github.com/SmallBonsai/vmrt/internal/sched"
	"github.com/SmallBonsai/vmrt/internal/vm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		imagePath      string
		modulePath     string
		tickIntervalMS int
		sharedMemSize  int
		pageSize       int
	)

	cmd := &cobra.Command{
		Use:   "vmrt",
		Short: "Boot the VM runtime against a FAT16 image",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := obslog.Default()

			// The real binary loader is out of scope (spec §1); a guest
			// with no module to load is still bootable: its empty entry
			// returns at once and Run tears the runtime down, exercising
			// mount/teardown on their own.
			entry := sched.EntryFunc(func(any) {})
			ld := loader.NewStatic(entry)

			rt, err := vm.VMStart(vm.Config{
				Machine:        machine.NewSimMachine(),
				Loader:         ld,
				Log:            log,
				ModulePath:     modulePath,
				ImagePath:      imagePath,
				SharedMemSize:  sharedMemSize,
				PageSize:       pageSize,
				TickIntervalMS: tickIntervalMS,
			})
			if err != nil {
				return fmt.Errorf("vmrt: start: %w", err)
			}
			return rt.Run()
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&imagePath, "image", "", "path to the FAT16 image to mount at root (required)")
	flags.StringVar(&modulePath, "module", "", "path to the guest module to load")
	flags.IntVar(&tickIntervalMS, "tick-ms", 10, "tick alarm interval in milliseconds")
	flags.IntVar(&sharedMemSize, "shared-mem-bytes", 1<<20, "size of the shared-memory region carved into DMA sections")
	flags.IntVar(&pageSize, "page-size", 4096, "page size used to round the shared-memory region up before carving sections")
	cmd.MarkFlagRequired("image")

	return cmd
}
