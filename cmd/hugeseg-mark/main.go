//go:build linux

// Command hugeseg-mark sets the huge page marker on the loadable segments of
// an executable, so that a program calling remap.Init moves them onto huge
// pages at startup.
package main

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/srediag/hugeremap/internal/arch"
	"github.com/srediag/hugeremap/internal/hugetlbfs"
	"github.com/srediag/hugeremap/pkg/elfseg"
)

const fallbackPageSize = 2 << 20

type markOptions struct {
	text     bool
	data     bool
	disable  bool
	pageSize uint64
}

func newRootCommand() *cobra.Command {
	var opts markOptions

	cmd := &cobra.Command{
		Use:   "hugeseg-mark [OPTIONS] FILE...",
		Short: "Mark executable segments for huge page backing",
		Long: "Without --text or --data every loadable segment is marked. " +
			"Segments must be aligned to the huge page size; link with " +
			"-z max-page-size=<size> (or -Wl,-z,common-page-size) if they are not.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMark(cmd.OutOrStdout(), opts, args)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.text, "text", false, "Mark read-only segments (code and constants)")
	flags.BoolVar(&opts.data, "data", false, "Mark writable segments (data and bss)")
	flags.BoolVar(&opts.disable, "disable", false, "Clear the marker instead of setting it")
	flags.Uint64Var(&opts.pageSize, "page-size", 0, "Huge page size to check alignment against (default: system default)")

	cmd.AddCommand(newInspectCommand())
	return cmd
}

func (o markOptions) pick(p elf.ProgHeader) bool {
	if !o.text && !o.data {
		return true
	}
	if p.Flags&elf.PF_W != 0 {
		return o.data
	}
	return o.text
}

func runMark(out io.Writer, opts markOptions, files []string) error {
	ps := pageSize(opts.pageSize)
	var errs []error
	for _, path := range files {
		changed, err := elfseg.Mark(path, opts.pick, !opts.disable)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		verb := "marked"
		if opts.disable {
			verb = "cleared"
		}
		fmt.Fprintf(out, "%s: %s %d program headers %v\n", path, verb, len(changed), changed)
		if opts.disable {
			continue
		}
		f, err := elf.Open(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		img := elfseg.FromFile(f)
		_ = f.Close()
		for _, p := range elfseg.Misaligned(img, ps) {
			fmt.Fprintf(out, "%s: warning: segment at %#x is not aligned to %#x and will not be remapped\n",
				path, p.Vaddr, ps)
		}
	}
	return errors.Join(errs...)
}

func newInspectCommand() *cobra.Command {
	var force bool
	var ps uint64

	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Show which segments would be remapped and how much would be copied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), args[0], force, pageSize(ps))
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Show the forced partial remap of an unmarked file")
	cmd.Flags().Uint64Var(&ps, "page-size", 0, "Huge page size (default: system default)")
	return cmd
}

func runInspect(out io.Writer, path string, force bool, ps uint64) error {
	f, err := elf.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	img := elfseg.FromFile(f)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHDR\tVADDR\tFILESZ\tMEMSZ\tFLAGS\tMARKED")
	for i, p := range img.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		fmt.Fprintf(w, "%d\t%#x\t%#x\t%#x\t%v\t%v\n", i, p.Vaddr, p.Filesz, p.Memsz,
			p.Flags&^elfseg.PFHugetlb, p.Flags&elfseg.PFHugetlb != 0)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	strategy := arch.Current()
	segs, err := elfseg.Scan(img, elfseg.ScanOptions{Force: force, Granularity: strategy.Granularity(ps)})
	if err != nil {
		fmt.Fprintf(out, "\nnothing to remap: %v\n", err)
		return nil
	}
	fmt.Fprintf(out, "\nremap with %#x byte pages (%s):\n", ps, strategy.Name)
	for i := range segs {
		seg := &segs[i]
		if err := elfseg.MinimalCopy(img, seg, strategy); err != nil {
			fmt.Fprintf(out, "  minimal copy unavailable: %v\n", err)
		}
		fmt.Fprintf(out, "  %v copy=%#x\n", *seg, seg.CopySize())
	}
	return nil
}

func pageSize(flag uint64) uint64 {
	if flag != 0 {
		return flag
	}
	if ps, err := hugetlbfs.DefaultHugePageSize(); err == nil && ps != 0 {
		return ps
	}
	return fallbackPageSize
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hugeseg-mark: %v\n", err)
		os.Exit(1)
	}
}
