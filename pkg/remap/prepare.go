//go:build linux

package remap

import (
	"fmt"
	"os"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/srediag/hugeremap/internal/hugetlbfs"
	"github.com/srediag/hugeremap/pkg/elfseg"
)

// copyChunk is the unit of work handed to one copy worker.
const copyChunk = 4 << 20

// Preparer copies live segment bytes into backing files.
type Preparer struct {
	pool *ants.Pool
}

func NewPreparer(workers int) (*Preparer, error) {
	pool, err := ants.NewPool(max(workers, 1))
	if err != nil {
		return nil, fmt.Errorf("copy pool: %w", err)
	}
	return &Preparer{pool: pool}, nil
}

// Release stops the copy workers.
func (p *Preparer) Release() {
	p.pool.Release()
}

// Prepare maps f shared at a scratch address, sized to the segment rounded
// up to pageSize, and fills the first seg.CopySize() bytes from img. The
// rest of the file stays zero.
func (p *Preparer) Prepare(img *elfseg.Image, seg *elfseg.Segment, f *os.File, pageSize uint64) (int64, error) {
	region, err := hugetlbfs.MapRegion(hugetlbfs.MapOptions{
		File:     f,
		Size:     seg.MemSize,
		PageSize: pageSize,
	})
	if err != nil {
		return 0, fmt.Errorf("map %v: %w", seg, err)
	}
	defer region.Unmap()

	n := seg.CopySize()
	log.Debugf("copying %d bytes from %#x into %s", n, seg.Vaddr, f.Name())

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}
	for off := uint64(0); off < n; off += copyChunk {
		end := min(off+copyChunk, n)
		dst := region.Addr[off:end]
		src := int64(seg.Vaddr + off)
		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()
			if _, err := img.Mem.ReadAt(dst, src); err != nil {
				fail(fmt.Errorf("read %#x: %w", src, err))
			}
		})
		if err != nil {
			wg.Done()
			fail(fmt.Errorf("submit copy: %w", err))
			break
		}
	}
	wg.Wait()
	if firstErr != nil {
		return 0, firstErr
	}
	return int64(n), nil
}
