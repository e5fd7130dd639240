package rv32

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// 4 KiB pages, allocated on first write.
const (
	PageAddrSize = 12
	PageKeySize  = 32 - PageAddrSize
	PageSize     = 1 << PageAddrSize
	PageAddrMask = PageSize - 1
)

type Page [PageSize]byte

// Region is a mapped address range. Accesses outside every region fault.
type Region struct {
	Name string `json:"name"`
	Base uint32 `json:"base"`
	Size uint32 `json:"size"`
}

func (r Region) End() uint64 {
	return uint64(r.Base) + uint64(r.Size)
}

func (r Region) Contains(addr uint32, size uint32) bool {
	return addr >= r.Base && uint64(addr)+uint64(size) <= r.End()
}

var ErrRegionOverlap = errors.New("memory region overlaps")

// Memory is sparse byte-addressable memory over the 32-bit address space.
type Memory struct {
	pages   map[uint32]*Page
	regions []Region

	// two caches: we often read instructions from one page, and do memory things with another page.
	lastPageKeys [2]uint32
	lastPage     [2]*Page
}

func NewMemory() *Memory {
	return &Memory{
		pages:        make(map[uint32]*Page),
		lastPageKeys: [2]uint32{^uint32(0), ^uint32(0)},
	}
}

// Map adds a region. Regions may not overlap.
func (m *Memory) Map(name string, base, size uint32) error {
	r := Region{Name: name, Base: base, Size: size}
	if r.End() > 1<<32 {
		return fmt.Errorf("region %s [%08x, +%d) exceeds the address space", name, base, size)
	}
	for _, other := range m.regions {
		if uint64(r.Base) < other.End() && uint64(other.Base) < r.End() {
			return fmt.Errorf("%w: %s and %s", ErrRegionOverlap, name, other.Name)
		}
	}
	m.regions = append(m.regions, r)
	return nil
}

func (m *Memory) Regions() []Region {
	return m.regions
}

// Mapped reports whether [addr, addr+size) lies inside one region.
func (m *Memory) Mapped(addr, size uint32) bool {
	for _, r := range m.regions {
		if r.Contains(addr, size) {
			return true
		}
	}
	return false
}

func (m *Memory) PageCount() int {
	return len(m.pages)
}

func (m *Memory) ForEachPage(fn func(pageIndex uint32, page *Page) error) error {
	for _, k := range m.pageKeys() {
		if err := fn(k, m.pages[k]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) pageKeys() []uint32 {
	keys := make([]uint32, 0, len(m.pages))
	for k := range m.pages {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (m *Memory) pageLookup(pageIndex uint32) (*Page, bool) {
	// hit caches
	if pageIndex == m.lastPageKeys[0] {
		return m.lastPage[0], true
	}
	if pageIndex == m.lastPageKeys[1] {
		return m.lastPage[1], true
	}
	p, ok := m.pages[pageIndex]

	// only cache existing pages.
	if ok {
		m.lastPageKeys[1] = m.lastPageKeys[0]
		m.lastPage[1] = m.lastPage[0]
		m.lastPageKeys[0] = pageIndex
		m.lastPage[0] = p
	}
	return p, ok
}

func (m *Memory) allocPage(pageIndex uint32) *Page {
	p := new(Page)
	m.pages[pageIndex] = p
	return p
}

// SetUnaligned writes dat at addr, crossing page boundaries as needed.
// Region checks are the caller's responsibility.
func (m *Memory) SetUnaligned(addr uint32, dat []byte) {
	for len(dat) > 0 {
		pageIndex := addr >> PageAddrSize
		pageAddr := addr & PageAddrMask
		p, ok := m.pageLookup(pageIndex)
		if !ok {
			p = m.allocPage(pageIndex)
		}
		d := copy(p[pageAddr:], dat)
		dat = dat[d:]
		addr += uint32(d)
	}
}

// GetUnaligned reads len(dest) bytes at addr. Unallocated memory reads as zero.
func (m *Memory) GetUnaligned(addr uint32, dest []byte) {
	for len(dest) > 0 {
		pageIndex := addr >> PageAddrSize
		pageAddr := addr & PageAddrMask
		var d int
		if p, ok := m.pageLookup(pageIndex); ok {
			d = copy(dest, p[pageAddr:])
		} else {
			l := PageSize - int(pageAddr)
			if l > len(dest) {
				l = len(dest)
			}
			clear(dest[:l])
			d = l
		}
		dest = dest[d:]
		addr += uint32(d)
	}
}

func (m *Memory) GetByte(addr uint32) byte {
	var b [1]byte
	m.GetUnaligned(addr, b[:])
	return b[0]
}

func (m *Memory) SetMemoryRange(addr uint32, r io.Reader) error {
	for {
		pageIndex := addr >> PageAddrSize
		pageAddr := addr & PageAddrMask
		p, ok := m.pageLookup(pageIndex)
		if !ok {
			p = m.allocPage(pageIndex)
		}
		n, err := r.Read(p[pageAddr:])
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		addr += uint32(n)
	}
}

// NonZero returns every non-zero byte keyed by address.
func (m *Memory) NonZero() map[uint32]byte {
	out := make(map[uint32]byte)
	for k, p := range m.pages {
		for i, b := range p {
			if b != 0 {
				out[k<<PageAddrSize|uint32(i)] = b
			}
		}
	}
	return out
}

func (m *Memory) Copy() *Memory {
	out := NewMemory()
	out.regions = append(out.regions, m.regions...)
	for k, p := range m.pages {
		cp := *p
		out.pages[k] = &cp
	}
	return out
}

func (m *Memory) Usage() string {
	total := uint64(len(m.pages)) * PageSize
	const unit = 1024
	if total < unit {
		return fmt.Sprintf("%d B", total)
	}
	div, exp := uint64(unit), 0
	for n := total / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	// KiB, MiB, GiB
	return fmt.Sprintf("%.1f %ciB", float64(total)/float64(div), "KMG"[exp])
}

type pageEntry struct {
	Index uint32        `json:"index"`
	Data  hexutil.Bytes `json:"data"`
}

type memoryJSON struct {
	Regions []Region    `json:"regions"`
	Pages   []pageEntry `json:"pages"`
}

func (m *Memory) MarshalJSON() ([]byte, error) {
	out := memoryJSON{Regions: m.regions, Pages: make([]pageEntry, 0, len(m.pages))}
	for _, k := range m.pageKeys() {
		p := m.pages[k]
		out.Pages = append(out.Pages, pageEntry{Index: k, Data: p[:]})
	}
	return json.Marshal(out)
}

func (m *Memory) UnmarshalJSON(data []byte) error {
	var in memoryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = *NewMemory()
	for _, r := range in.Regions {
		if err := m.Map(r.Name, r.Base, r.Size); err != nil {
			return err
		}
	}
	for i, p := range in.Pages {
		if _, ok := m.pages[p.Index]; ok {
			return fmt.Errorf("cannot load duplicate page, entry %d, page index %d", i, p.Index)
		}
		if len(p.Data) != PageSize {
			return fmt.Errorf("page %d has %d bytes, expected %d", p.Index, len(p.Data), PageSize)
		}
		copy(m.allocPage(p.Index)[:], p.Data)
	}
	return nil
}
