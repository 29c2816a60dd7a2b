//go:build linux

// Package remap moves the loadable segments of the running executable onto
// huge pages. The pipeline scans the program headers, sizes the copy of each
// segment, provisions a backing file per segment (privately, or through the
// sharing daemon), copies the live bytes into it, and finally swaps the live
// mappings for the prepared files at the same addresses.
//
// Writable segments of the running program are left in place: the Go
// runtime keeps writing them while the copy is made, so only read-only
// segments of the executable itself can be moved.
//
// Every failure before the swap leaves the process as it was. A failure
// during the swap kills the process; see internal/rawsys.
package remap

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/moby/sys/reexec"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/hugeremap/internal/arch"
	"github.com/srediag/hugeremap/internal/hugetlbfs"
	"github.com/srediag/hugeremap/internal/rawsys"
	"github.com/srediag/hugeremap/pkg/elfseg"
	"github.com/srediag/hugeremap/pkg/share"
)

var (
	ErrDisabled    = errors.New("remap: disabled by configuration")
	ErrUnsupported = errors.New("remap: platform not supported")
	ErrOverlap     = errors.New("remap: segments overlap once rounded to the page size")
)

// ErrHelperProcess is returned by Apply inside the huge page reservation
// helper, which is this executable started again.
var ErrHelperProcess = errors.New("remap: running as a helper process")

// Report describes a completed remap.
type Report struct {
	Segments []elfseg.Segment
	PageSize uint64
	// Shared counts segments backed by a daemon file; Reused counts those
	// of them another process had already prepared.
	Shared int
	Reused int
	Copied int64
}

// Remapper runs the remap pipeline.
type Remapper struct {
	cfg      Config
	strategy arch.Strategy
	prov     *Provisioner
	prep     *Preparer

	remapped  metric.Int64Counter
	copied    metric.Int64Counter
	fallbacks metric.Int64Counter
}

// New resolves the backing directory and starts the copy workers. Call
// Close when done.
func New(cfg Config) (*Remapper, error) {
	cfg.setDefaults()
	if cfg.Segments == SegmentsNone {
		return nil, ErrDisabled
	}
	if !rawsys.Supported {
		return nil, ErrUnsupported
	}
	prov, err := NewProvisioner(cfg)
	if err != nil {
		return nil, err
	}
	prep, err := NewPreparer(cfg.CopyWorkers)
	if err != nil {
		return nil, err
	}
	r := &Remapper{cfg: cfg, strategy: arch.Current(), prov: prov, prep: prep}

	if r.remapped, err = cfg.Meter.Int64Counter("hugeremap.segments.remapped",
		metric.WithDescription("Segments moved onto huge pages.")); err != nil {
		return nil, err
	}
	if r.copied, err = cfg.Meter.Int64Counter("hugeremap.bytes.copied",
		metric.WithDescription("Bytes copied into backing files."), metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if r.fallbacks, err = cfg.Meter.Int64Counter("hugeremap.share.fallbacks",
		metric.WithDescription("Shared segments that fell back to a private file.")); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Remapper) Close() {
	r.prep.Release()
}

// Remap moves the selected segments of img onto huge pages. img must
// describe memory of the calling process. Errors mean nothing was changed.
func (r *Remapper) Remap(ctx context.Context, img *elfseg.Image) (_ *Report, err error) {
	ctx, span := r.cfg.Tracer.Start(ctx, "hugeremap.remap")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	segs, err := r.plan(img)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("segments", len(segs)))

	report := &Report{PageSize: r.prov.PageSize()}
	backings := make([]*Backing, 0, len(segs))
	var pending *share.Lease
	release := func(prepErr error) {
		for _, b := range backings {
			if b.Lease != nil && b.Lease == pending {
				_ = b.Lease.Complete(prepErr)
			}
			_ = b.Close()
		}
		for i := range segs {
			segs[i].Fd = -1
		}
	}

	for i := range segs {
		seg := &segs[i]
		b, n, err := r.provide(ctx, img, seg, &pending)
		if err != nil {
			release(err)
			return nil, fmt.Errorf("provision %v: %w", seg, err)
		}
		backings = append(backings, b)
		seg.Fd = int(b.File.Fd())
		report.Copied += n
		if b.Lease != nil {
			report.Shared++
			if b.Ready {
				report.Reused++
			}
		}
	}

	var table rawsys.Table
	for i := range segs {
		table.Add(r.mapping(&segs[i]))
	}
	_, window := r.cfg.Tracer.Start(ctx, "hugeremap.window",
		trace.WithAttributes(attribute.Bool("unmap_first", r.strategy.UnmapFirst)))
	rawsys.Remap(&table, r.strategy.UnmapFirst)
	window.End()

	release(nil)
	report.Segments = segs
	r.remapped.Add(ctx, int64(len(segs)))
	r.copied.Add(ctx, report.Copied)
	log.Infof("remapped %d segments onto %d byte pages (%d shared, %d reused, %d bytes copied)",
		len(segs), report.PageSize, report.Shared, report.Reused, report.Copied)
	return report, nil
}

// plan scans img, filters and checks the segments, and sizes their copies.
func (r *Remapper) plan(img *elfseg.Image) ([]elfseg.Segment, error) {
	ps := r.prov.PageSize()
	found, err := elfseg.Scan(img, elfseg.ScanOptions{
		Force:       r.cfg.Force,
		Granularity: r.strategy.Granularity(ps),
	})
	if err != nil {
		return nil, err
	}

	var segs []elfseg.Segment
	for _, seg := range found {
		if img.Running && seg.Writable() {
			log.Infof("leaving %v in place: the running program writes it", seg)
			continue
		}
		if !r.cfg.Segments.allows(seg.Writable()) {
			log.Debugf("skipping %v", seg)
			continue
		}
		seg.Index = len(segs)
		segs = append(segs, seg)
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: no segment left after filtering", elfseg.ErrNotApplicable)
	}

	for i := range segs {
		seg := &segs[i]
		if seg.Vaddr%ps != 0 {
			return nil, fmt.Errorf("%w: %v, page size %#x", ErrMisaligned, seg, ps)
		}
		if i+1 < len(segs) && seg.Vaddr+arch.AlignUp(seg.MemSize, ps) > segs[i+1].Vaddr {
			return nil, fmt.Errorf("%w: %v and %v", ErrOverlap, *seg, segs[i+1])
		}
		if r.cfg.MinimalCopy && img.Pristine {
			if err := elfseg.MinimalCopy(img, seg, r.strategy); err != nil {
				log.Debugf("full copy of %v: %v", seg, err)
			}
		} else {
			elfseg.FullCopy(seg)
		}
		log.Debugf("%v", seg)
	}

	if err := r.prov.CheckSpace(segs); err != nil {
		return nil, err
	}
	return segs, nil
}

// provide returns a prepared backing file for seg. A shared file whose
// preparation is not yet confirmed is left in *pending; it is confirmed
// before the next shared request, since the daemon serves one client at a
// time.
func (r *Remapper) provide(ctx context.Context, img *elfseg.Image, seg *elfseg.Segment, pending **share.Lease) (*Backing, int64, error) {
	if r.prov.Shareable(seg) {
		if *pending != nil {
			if err := (*pending).Complete(nil); err != nil {
				log.Infof("confirm shared file: %v", err)
			}
			*pending = nil
		}
		b, err := r.prov.Shared(ctx, seg)
		if err == nil {
			if b.Ready {
				return b, 0, nil
			}
			var n int64
			if n, err = r.fill(img, seg, b); err == nil {
				*pending = b.Lease
				return b, n, nil
			}
			_ = b.Lease.Complete(err)
			_ = b.Close()
		}
		log.Infof("using a private file for %v: %v", seg, err)
		r.fallbacks.Add(ctx, 1)
	}

	b, err := r.prov.Private()
	if err != nil {
		return nil, 0, err
	}
	n, err := r.fill(img, seg, b)
	if err != nil {
		_ = b.Close()
		return nil, 0, err
	}
	return b, n, nil
}

func (r *Remapper) fill(img *elfseg.Image, seg *elfseg.Segment, b *Backing) (int64, error) {
	ps := r.prov.PageSize()
	if r.cfg.ReserveChild {
		if err := hugetlbfs.Reserve(b.File, arch.AlignUp(seg.MemSize, ps), ps); err != nil {
			return 0, err
		}
	}
	return r.prep.Prepare(img, seg, b.File, ps)
}

func (r *Remapper) mapping(seg *elfseg.Segment) rawsys.Mapping {
	return rawsys.Mapping{
		Addr:   uintptr(seg.Vaddr),
		Live:   uintptr(arch.AlignUp(seg.MemSize, uint64(os.Getpagesize()))),
		Length: uintptr(arch.AlignUp(seg.MemSize, r.prov.PageSize())),
		Prot:   seg.Prot,
		Fd:     seg.Fd,
	}
}

// Apply remaps the read-only segments of the running executable.
//
// With ReserveChild the reservation helper is this executable started
// again, so main must run Init (or reexec.Init) before Apply; otherwise the
// helper runs main itself. Apply refuses to run inside the helper.
func Apply(ctx context.Context, cfg Config) (*Report, error) {
	if cfg.Segments == SegmentsNone {
		return nil, ErrDisabled
	}
	if len(os.Args) > 0 && os.Args[0] == hugetlbfs.ReserveCommand {
		return nil, ErrHelperProcess
	}
	img, err := elfseg.Self()
	if err != nil {
		return nil, err
	}
	r, err := New(cfg)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Remap(ctx, img)
}

// Init is meant to be the first call in main. It runs the helper process
// entry points registered with reexec and reports true when the process
// was such a helper and must exit. Otherwise it remaps the executable as
// the HUGETLB_* environment asks and returns false; a remap that cannot be
// done is logged and the program runs unmodified.
func Init() bool {
	if reexec.Init() {
		return true
	}
	_, err := Apply(context.Background(), ConfigFromEnv())
	switch {
	case err == nil:
	case errors.Is(err, ErrDisabled), errors.Is(err, elfseg.ErrNotApplicable):
		log.Debugf("not remapping: %v", err)
	default:
		log.Infof("not remapping: %v", err)
	}
	return false
}
