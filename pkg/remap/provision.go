//go:build linux

package remap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/srediag/hugeremap/api"
	"github.com/srediag/hugeremap/internal/arch"
	"github.com/srediag/hugeremap/internal/hugetlbfs"
	"github.com/srediag/hugeremap/pkg/elfseg"
	"github.com/srediag/hugeremap/pkg/share"
)

var (
	ErrNoSpace    = errors.New("remap: not enough huge pages for the segments")
	ErrBadLease   = errors.New("remap: shared file is unusable")
	ErrMisaligned = errors.New("remap: segment is not aligned to the backing page size")
)

var _ api.Sharer = (*share.Client)(nil)

// Backing is the file a segment is remapped from.
type Backing struct {
	File *os.File
	// Lease is set for shared files.
	Lease *share.Lease
	// Ready means the file already holds the segment and must not be
	// written.
	Ready bool
}

// Close releases the file and reports an unfinished preparation as failed.
func (b *Backing) Close() error {
	if b.Lease != nil {
		return b.Lease.Close()
	}
	return b.File.Close()
}

// Provisioner hands out one backing file per segment.
type Provisioner struct {
	cfg      Config
	dir      string
	pageSize uint64
	sharer   api.Sharer
	identity uint64
}

// NewProvisioner resolves the backing directory and page size. Sharing is
// set up when enabled; an unknown executable identity disables it.
func NewProvisioner(cfg Config) (*Provisioner, error) {
	dir := cfg.Path
	if cfg.RequireHugetlbfs || dir == "" {
		mnt, err := hugetlbfs.FindMount(cfg.Path)
		if err != nil {
			return nil, err
		}
		dir = mnt
	}
	pageSize := cfg.PageSize
	if pageSize == 0 {
		ps, err := hugetlbfs.PageSize(dir)
		if err != nil {
			return nil, err
		}
		pageSize = ps
	}

	p := &Provisioner{cfg: cfg, dir: dir, pageSize: pageSize}
	if cfg.Share {
		p.identity = cfg.Identity
		if p.identity == 0 {
			id, err := share.SelfIdentity()
			if err != nil {
				log.Infof("sharing disabled: %v", err)
				return p, nil
			}
			p.identity = id
		}
		p.sharer = cfg.Sharer
		if p.sharer == nil {
			p.sharer = share.NewClient(cfg.Socket)
		}
	}
	return p, nil
}

// PageSize is the page size of private backing files.
func (p *Provisioner) PageSize() uint64 {
	return p.pageSize
}

// Dir is where private backing files are created.
func (p *Provisioner) Dir() string {
	return p.dir
}

// CheckSpace fails with ErrNoSpace when the backing directory cannot hold
// every segment.
func (p *Provisioner) CheckSpace(segs []elfseg.Segment) error {
	var total uint64
	for i := range segs {
		total += arch.AlignUp(segs[i].MemSize, p.pageSize)
	}
	if !hugetlbfs.CanCreate(p.dir, total) {
		return fmt.Errorf("%w: need %d bytes in %s", ErrNoSpace, total, p.dir)
	}
	return nil
}

// Private creates an unlinked file only this process can reach.
func (p *Provisioner) Private() (*Backing, error) {
	f, err := hugetlbfs.UnlinkedFile(p.dir)
	if err != nil {
		return nil, err
	}
	return &Backing{File: f}, nil
}

// Shareable reports whether seg may come from the sharing daemon.
func (p *Provisioner) Shareable(seg *elfseg.Segment) bool {
	return p.sharer != nil && !seg.Writable()
}

// Shared asks the daemon for seg's file. Errors mean the caller should use
// a private file instead.
func (p *Provisioner) Shared(ctx context.Context, seg *elfseg.Segment) (*Backing, error) {
	if !p.Shareable(seg) {
		return nil, fmt.Errorf("%w: segment %d is not shareable", ErrBadLease, seg.Index)
	}
	lease, err := p.sharer.Request(ctx, p.identity, seg.Vaddr)
	if err != nil {
		return nil, err
	}
	if err := p.checkLease(lease, seg); err != nil {
		_ = lease.Complete(err)
		_ = lease.Close()
		return nil, err
	}
	return &Backing{File: lease.File, Lease: lease, Ready: !lease.NeedToPrepare}, nil
}

func (p *Provisioner) checkLease(lease *share.Lease, seg *elfseg.Segment) error {
	if p.cfg.ShareDir != "" {
		rel, err := filepath.Rel(p.cfg.ShareDir, lease.Path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
			return fmt.Errorf("%w: %s is outside %s", ErrBadLease, lease.Path, p.cfg.ShareDir)
		}
	}
	ps, err := hugetlbfs.FilePageSize(lease.File)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadLease, err)
	}
	if ps != p.pageSize {
		return fmt.Errorf("%w: page size %d, want %d", ErrBadLease, ps, p.pageSize)
	}
	if lease.NeedToPrepare {
		return nil
	}
	st, err := lease.File.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadLease, err)
	}
	if uint64(st.Size()) < arch.AlignUp(seg.MemSize, p.pageSize) {
		return fmt.Errorf("%w: %s holds %d bytes, segment needs %d",
			ErrBadLease, lease.Path, st.Size(), seg.MemSize)
	}
	return nil
}
