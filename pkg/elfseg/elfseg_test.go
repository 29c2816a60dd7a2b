package elfseg

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/srediag/hugeremap/internal/arch"
)

// fakeMemory maps base addresses to the bytes stored there.
type fakeMemory map[uint64][]byte

func (m fakeMemory) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for base, b := range m {
		if addr >= base && addr+uint64(len(p)) <= base+uint64(len(b)) {
			return copy(p, b[addr-base:]), nil
		}
	}
	return 0, errors.New("unmapped")
}

type dynEntry struct {
	tag elf.DynTag
	val uint64
}

func dynamic64(entries ...dynEntry) []byte {
	var b []byte
	for _, e := range append(entries, dynEntry{elf.DT_NULL, 0}) {
		b = binary.LittleEndian.AppendUint64(b, uint64(e.tag))
		b = binary.LittleEndian.AppendUint64(b, e.val)
	}
	return b
}

func sym64(value, size uint64, bind elf.SymBind, typ elf.SymType) []byte {
	b := make([]byte, elf.Sym64Size)
	b[4] = byte(bind)<<4 | byte(typ)
	binary.LittleEndian.PutUint16(b[6:], 1)
	binary.LittleEndian.PutUint64(b[8:], value)
	binary.LittleEndian.PutUint64(b[16:], size)
	return b
}

const (
	dynAddr    = 0x5000
	symtabAddr = 0x6000
	dataAddr   = 0x10000
	dataFile   = 0xe000
	dataMem    = 0x10000
)

// testImage is a pristine 64-bit image with a text segment, a data segment
// whose last 8KiB are bss, and a dynamic symbol table.
func testImage(syms ...[]byte) *Image {
	var symtab []byte
	symtab = append(symtab, make([]byte, elf.Sym64Size)...)
	for _, s := range syms {
		symtab = append(symtab, s...)
	}
	strtabAddr := uint64(symtabAddr + len(symtab))
	dyn := dynamic64(
		dynEntry{elf.DT_SYMTAB, symtabAddr},
		dynEntry{elf.DT_STRTAB, strtabAddr},
		dynEntry{elf.DT_SYMENT, elf.Sym64Size},
	)
	return &Image{
		Class:     elf.ELFCLASS64,
		ByteOrder: binary.LittleEndian,
		Progs: []elf.ProgHeader{
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X | PFHugetlb, Vaddr: 0, Memsz: 0x10000, Filesz: 0x10000},
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W | PFHugetlb, Vaddr: dataAddr, Memsz: dataMem, Filesz: dataFile},
			{Type: elf.PT_DYNAMIC, Flags: elf.PF_R, Vaddr: dynAddr, Memsz: uint64(len(dyn)), Filesz: uint64(len(dyn))},
		},
		Mem: fakeMemory{
			dynAddr:    dyn,
			symtabAddr: append(symtab, 0),
		},
		Pristine: true,
	}
}

func TestScanMarked(t *testing.T) {
	img := testImage()
	img.Progs = append(img.Progs, elf.ProgHeader{Type: elf.PT_LOAD, Flags: elf.PF_R, Vaddr: 0x40000, Memsz: 0x1000})
	img.Bias = 0x7f0000000000

	require.True(t, Marked(img))
	segs, err := Scan(img, ScanOptions{})
	require.NoError(t, err)
	require.Len(t, segs, 2)

	assert.Equal(t, Segment{
		Index: 0, Phdr: 0, Vaddr: img.Bias, FileSize: 0x10000, MemSize: 0x10000,
		Prot: unix.PROT_READ | unix.PROT_EXEC, Fd: -1,
	}, segs[0])
	assert.Equal(t, Segment{
		Index: 1, Phdr: 1, Vaddr: img.Bias + dataAddr, FileSize: dataFile, MemSize: dataMem,
		Prot: unix.PROT_READ | unix.PROT_WRITE, Fd: -1,
	}, segs[1])
	assert.False(t, segs[0].Writable())
	assert.True(t, segs[1].Writable())
	assert.Contains(t, segs[1].String(), "prot=rw-")
}

func TestScanNotApplicable(t *testing.T) {
	_, err := Scan(nil, ScanOptions{})
	assert.ErrorIs(t, err, ErrNotApplicable)

	_, err = Scan(&Image{}, ScanOptions{})
	assert.ErrorIs(t, err, ErrNotApplicable)

	plain := &Image{Progs: []elf.ProgHeader{{Type: elf.PT_LOAD, Flags: elf.PF_R, Memsz: 0x1000}}}
	assert.False(t, Marked(plain))
	_, err = Scan(plain, ScanOptions{})
	assert.ErrorIs(t, err, ErrNotApplicable)

	// A marker on a non-loadable header does not count.
	plain.Progs = append(plain.Progs, elf.ProgHeader{Type: elf.PT_NOTE, Flags: PFHugetlb})
	assert.False(t, Marked(plain))
}

func TestScanTooManySegments(t *testing.T) {
	img := &Image{}
	for i := 0; i <= MaxSegments; i++ {
		img.Progs = append(img.Progs, elf.ProgHeader{
			Type: elf.PT_LOAD, Flags: elf.PF_R | PFHugetlb,
			Vaddr: uint64(i) << 21, Memsz: 1 << 21, Filesz: 1 << 21,
		})
	}
	_, err := Scan(img, ScanOptions{})
	assert.ErrorIs(t, err, ErrNotApplicable)

	img.Progs = img.Progs[:MaxSegments]
	segs, err := Scan(img, ScanOptions{})
	require.NoError(t, err)
	assert.Len(t, segs, MaxSegments)
}

func TestScanForced(t *testing.T) {
	const g = 1 << 21
	img := &Image{Progs: []elf.ProgHeader{
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0x401000, Memsz: 0x500000, Filesz: 0x500000},
		// Too small to hold an aligned huge page.
		{Type: elf.PT_LOAD, Flags: elf.PF_R, Vaddr: 0x901000, Memsz: 0x100000, Filesz: 0x100000},
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Vaddr: 0xc00000, Memsz: 0x400000, Filesz: 0x1000},
	}}

	_, err := Scan(img, ScanOptions{Force: true})
	assert.ErrorIs(t, err, ErrNotApplicable)
	_, err = Scan(img, ScanOptions{Force: true, Granularity: 3 << 20})
	assert.ErrorIs(t, err, ErrNotApplicable)

	segs, err := Scan(img, ScanOptions{Force: true, Granularity: g})
	require.NoError(t, err)
	require.Len(t, segs, 2)

	assert.Equal(t, uint64(0x600000), segs[0].Vaddr)
	assert.Equal(t, uint64(0x200000), segs[0].MemSize)
	assert.Equal(t, segs[0].MemSize, segs[0].FileSize)
	assert.Equal(t, 0, segs[0].Phdr)

	assert.Equal(t, uint64(0xc00000), segs[1].Vaddr)
	assert.Equal(t, uint64(0x400000), segs[1].MemSize)
	assert.Equal(t, segs[1].MemSize, segs[1].FileSize, "forced segments copy their bss")
	assert.Equal(t, 1, segs[1].Index)
	assert.Equal(t, 2, segs[1].Phdr)
}

func TestScanMarkedWinsOverForce(t *testing.T) {
	img := testImage()
	img.Progs = append(img.Progs, elf.ProgHeader{Type: elf.PT_LOAD, Flags: elf.PF_R, Vaddr: 0x400000, Memsz: 0x400000})
	segs, err := Scan(img, ScanOptions{Force: true, Granularity: 1 << 21})
	require.NoError(t, err)
	assert.Len(t, segs, 2)
}

func dataSegment(t *testing.T, img *Image) Segment {
	segs, err := Scan(img, ScanOptions{})
	require.NoError(t, err)
	require.Len(t, segs, 2)
	return segs[1]
}

func TestMinimalCopy(t *testing.T) {
	bss := uint64(dataAddr + dataFile)
	img := testImage(
		sym64(bss+0x100, 16, elf.STB_GLOBAL, elf.STT_OBJECT),
		sym64(bss+0x180, 8, elf.STB_WEAK, elf.STT_OBJECT),
		// Ignored: local, function, zero size, outside the tail.
		sym64(bss+0x1000, 16, elf.STB_LOCAL, elf.STT_OBJECT),
		sym64(bss+0x1100, 16, elf.STB_GLOBAL, elf.STT_FUNC),
		sym64(bss+0x1200, 0, elf.STB_GLOBAL, elf.STT_OBJECT),
		sym64(dataAddr+0x10, 64, elf.STB_GLOBAL, elf.STT_OBJECT),
		sym64(dataAddr+dataMem+0x10, 64, elf.STB_GLOBAL, elf.STT_OBJECT),
	)
	seg := dataSegment(t, img)

	require.NoError(t, MinimalCopy(img, &seg, arch.Current()))
	assert.Equal(t, uint64(0x188), seg.ExtraSize)
	assert.Equal(t, uint64(dataFile+0x188), seg.CopySize())
}

func TestMinimalCopyClampsToSegment(t *testing.T) {
	img := testImage(sym64(dataAddr+dataMem-8, 64, elf.STB_GLOBAL, elf.STT_OBJECT))
	seg := dataSegment(t, img)
	require.NoError(t, MinimalCopy(img, &seg, arch.Current()))
	assert.Equal(t, uint64(dataMem-dataFile), seg.ExtraSize)
	assert.Equal(t, uint64(dataMem), seg.CopySize())
}

func TestMinimalCopyNoSymbolsInTail(t *testing.T) {
	img := testImage(sym64(dataAddr+0x10, 64, elf.STB_GLOBAL, elf.STT_OBJECT))
	seg := dataSegment(t, img)
	require.NoError(t, MinimalCopy(img, &seg, arch.Current()))
	assert.Zero(t, seg.ExtraSize)
}

func TestMinimalCopyNoTail(t *testing.T) {
	img := testImage()
	segs, err := Scan(img, ScanOptions{})
	require.NoError(t, err)
	require.NoError(t, MinimalCopy(img, &segs[0], arch.Current()))
	assert.Zero(t, segs[0].ExtraSize)
}

func TestMinimalCopyBiased(t *testing.T) {
	const bias = 0x555500000000
	bss := uint64(dataAddr + dataFile)
	img := testImage(sym64(bss+0x40, 16, elf.STB_GLOBAL, elf.STT_OBJECT))
	img.Bias = bias
	mem := fakeMemory{}
	for base, b := range img.Mem.(fakeMemory) {
		mem[base+bias] = b
	}
	img.Mem = mem

	seg := dataSegment(t, img)
	require.NoError(t, MinimalCopy(img, &seg, arch.Current()))
	assert.Equal(t, uint64(0x50), seg.ExtraSize)
}

func TestMinimalCopyFallsBack(t *testing.T) {
	full := uint64(dataMem - dataFile)
	bss := uint64(dataAddr + dataFile)

	cases := map[string]func(img *Image){
		"no dynamic header": func(img *Image) {
			img.Progs = img.Progs[:2]
		},
		"unreadable dynamic": func(img *Image) {
			delete(img.Mem.(fakeMemory), dynAddr)
		},
		"missing tables": func(img *Image) {
			img.Mem.(fakeMemory)[dynAddr] = dynamic64(dynEntry{elf.DT_SYMTAB, symtabAddr})
		},
		"strtab before symtab": func(img *Image) {
			img.Mem.(fakeMemory)[dynAddr] = dynamic64(
				dynEntry{elf.DT_SYMTAB, symtabAddr},
				dynEntry{elf.DT_STRTAB, symtabAddr - 0x100},
			)
		},
		"bad entry size": func(img *Image) {
			img.Mem.(fakeMemory)[dynAddr] = dynamic64(
				dynEntry{elf.DT_SYMTAB, symtabAddr},
				dynEntry{elf.DT_STRTAB, symtabAddr + 2*elf.Sym64Size},
				dynEntry{elf.DT_SYMENT, 40},
			)
		},
		"implausible table": func(img *Image) {
			img.Mem.(fakeMemory)[dynAddr] = dynamic64(
				dynEntry{elf.DT_SYMTAB, symtabAddr},
				dynEntry{elf.DT_STRTAB, symtabAddr + (maxSymbols+1)*elf.Sym64Size},
			)
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			img := testImage(sym64(bss+0x100, 16, elf.STB_GLOBAL, elf.STT_OBJECT))
			mutate(img)
			seg := dataSegment(t, img)
			err := MinimalCopy(img, &seg, arch.Current())
			assert.ErrorIs(t, err, ErrNoDynamic)
			assert.Equal(t, full, seg.ExtraSize)
		})
	}
}

func TestMinimalCopy32(t *testing.T) {
	bo := binary.BigEndian
	var dyn []byte
	for _, e := range []dynEntry{{elf.DT_SYMTAB, 0x3000}, {elf.DT_STRTAB, 0x3000 + 2*elf.Sym32Size}, {elf.DT_NULL, 0}} {
		dyn = bo.AppendUint32(dyn, uint32(e.tag))
		dyn = bo.AppendUint32(dyn, uint32(e.val))
	}
	sym := make([]byte, 2*elf.Sym32Size)
	bo.PutUint32(sym[elf.Sym32Size+4:], 0x9100)
	bo.PutUint32(sym[elf.Sym32Size+8:], 12)
	sym[elf.Sym32Size+12] = byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_OBJECT)

	img := &Image{
		Class:     elf.ELFCLASS32,
		ByteOrder: bo,
		Progs: []elf.ProgHeader{
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W | PFHugetlb, Vaddr: 0x8000, Filesz: 0x1000, Memsz: 0x4000},
			{Type: elf.PT_DYNAMIC, Vaddr: 0x2000, Memsz: uint64(len(dyn))},
		},
		Mem: fakeMemory{0x2000: dyn, 0x3000: sym},
	}
	segs, err := Scan(img, ScanOptions{})
	require.NoError(t, err)
	require.NoError(t, MinimalCopy(img, &segs[0], arch.Current()))
	assert.Equal(t, uint64(0x10c), segs[0].ExtraSize)
}

func TestFullCopy(t *testing.T) {
	seg := Segment{FileSize: 0x1000, MemSize: 0x3000, ExtraSize: 7}
	FullCopy(&seg)
	assert.Equal(t, uint64(0x2000), seg.ExtraSize)

	seg = Segment{FileSize: 0x3000, MemSize: 0x3000, ExtraSize: 7}
	FullCopy(&seg)
	assert.Zero(t, seg.ExtraSize)
}

func TestProtFromFlags(t *testing.T) {
	assert.Equal(t, 0, ProtFromFlags(PFHugetlb))
	assert.Equal(t, unix.PROT_READ|unix.PROT_EXEC, ProtFromFlags(elf.PF_R|elf.PF_X|PFHugetlb))
	assert.Equal(t, "r-x", protString(ProtFromFlags(elf.PF_R|elf.PF_X)))
}

func firstLoadAtZero(img *Image) *elf.ProgHeader {
	for i := range img.Progs {
		if p := &img.Progs[i]; p.Type == elf.PT_LOAD && p.Off == 0 {
			return p
		}
	}
	return nil
}

func TestFromFile(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	f, err := elf.Open(exe)
	require.NoError(t, err)
	defer f.Close()

	img := FromFile(f)
	assert.True(t, img.Pristine)
	assert.False(t, Marked(img))

	p := firstLoadAtZero(img)
	if p == nil {
		t.Skip("no PT_LOAD maps the ELF header")
	}
	magic := make([]byte, 4)
	_, err = img.Mem.ReadAt(magic, int64(p.Vaddr))
	require.NoError(t, err)
	assert.Equal(t, elf.ELFMAG, string(magic))

	var end uint64
	for _, l := range img.Progs {
		if l.Type == elf.PT_LOAD {
			end = max(end, l.Vaddr+l.Memsz)
		}
	}
	_, err = img.Mem.ReadAt(magic, int64(end+0x1000))
	assert.Error(t, err)
}
