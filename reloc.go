// Completion: 100% - base relocation encode/decode round-trips byte-exactly
package pe32

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Base relocation entry types. Only ABSOLUTE (padding) and HIGHLOW (32-bit
// address fixup) occur in PE32 images.
const (
	relBasedAbsolute = 0
	relBasedHighLow  = 3

	relPageMask   = 0xFFFFF000
	relOffsetMask = 0x00000FFF

	relBlockHeaderSize = 8
)

// RelocationTable maps each 4KB page base to the sorted intra-page offsets
// that need a HIGHLOW fixup when the image is rebased. Encoding and decoding
// are exact inverses for any address set.
type RelocationTable struct {
	pages map[uint32][]uint16
}

// NewRelocationTable returns an empty table.
func NewRelocationTable() *RelocationTable {
	return &RelocationTable{pages: make(map[uint32][]uint16)}
}

// BuildRelocationTable groups the given absolute addresses by page.
func BuildRelocationTable(addrs []uint32) *RelocationTable {
	rt := NewRelocationTable()
	for _, addr := range addrs {
		rt.Add(addr)
	}
	return rt
}

// Add records one absolute address. The offset is inserted in sorted order
// within its page; adding the same address twice is a no-op, since a second
// fixup of the same site would be redundant for the loader.
func (rt *RelocationTable) Add(addr uint32) {
	page := addr & relPageMask
	offset := uint16(addr & relOffsetMask)

	offsets := rt.pages[page]
	i := sort.Search(len(offsets), func(i int) bool { return offsets[i] >= offset })
	if i < len(offsets) && offsets[i] == offset {
		return
	}
	offsets = append(offsets, 0)
	copy(offsets[i+1:], offsets[i:])
	offsets[i] = offset
	rt.pages[page] = offsets
}

// ReadRelocationTable decodes a base relocation block stream of exactly size
// bytes. HIGHLOW entries are kept, ABSOLUTE padding entries are dropped, and
// anything else is a FormatError: a truncated or unknown block silently
// accepted here would corrupt the image on write-back.
func ReadRelocationTable(r io.Reader, size uint32) (*RelocationTable, error) {
	rt := NewRelocationTable()

	var consumed uint32
	for consumed < size {
		var page, blockSize uint32
		if err := binary.Read(r, binary.LittleEndian, &page); err != nil {
			return nil, fmt.Errorf("failed to read relocation page base: %v", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &blockSize); err != nil {
			return nil, fmt.Errorf("failed to read relocation block size: %v", err)
		}

		if blockSize <= relBlockHeaderSize {
			return nil, formatErrorf("relocation block at page 0x%x: block size %d too small", page, blockSize)
		}
		if (blockSize-relBlockHeaderSize)%2 != 0 {
			return nil, formatErrorf("relocation block at page 0x%x: odd payload size %d",
				page, blockSize-relBlockHeaderSize)
		}
		if consumed+blockSize > size {
			return nil, formatErrorf("relocation block at page 0x%x: block size %d overruns directory extent (%d of %d bytes left)",
				page, blockSize, size-consumed, size)
		}

		entries := make([]uint16, (blockSize-relBlockHeaderSize)/2)
		if err := binary.Read(r, binary.LittleEndian, entries); err != nil {
			return nil, fmt.Errorf("failed to read relocation entries for page 0x%x: %v", page, err)
		}

		for _, entry := range entries {
			switch entry >> 12 {
			case relBasedHighLow:
				rt.Add(page | uint32(entry&relOffsetMask))
			case relBasedAbsolute:
				// padding entry
			default:
				return nil, formatErrorf("relocation block at page 0x%x: unsupported entry type %d",
					page, entry>>12)
			}
		}

		consumed += blockSize
	}

	return rt, nil
}

// sortedPages returns the page bases in ascending order.
func (rt *RelocationTable) sortedPages() []uint32 {
	pages := make([]uint32, 0, len(rt.pages))
	for page := range rt.pages {
		pages = append(pages, page)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages
}

// pageEntries encodes one page's offsets as HIGHLOW entries, with one
// ABSOLUTE padding entry when the count is odd so the block stays a whole
// number of DWORDs.
func (rt *RelocationTable) pageEntries(page uint32) []uint16 {
	offsets := rt.pages[page]
	entries := make([]uint16, 0, len(offsets)+1)
	for _, offset := range offsets {
		entries = append(entries, uint16(relBasedHighLow)<<12|offset)
	}
	if len(entries)%2 != 0 {
		entries = append(entries, relBasedAbsolute)
	}
	return entries
}

// writeRelocBlock writes one {page, block_size, entries} block.
func writeRelocBlock(w io.Writer, page uint32, entries []uint16) (int64, error) {
	buf := make([]byte, 0, relBlockHeaderSize+2*len(entries))
	buf = append(buf, Dword(page)...)
	buf = append(buf, Dword(uint32(relBlockHeaderSize+2*len(entries)))...)
	for _, entry := range entries {
		buf = append(buf, Word(entry)...)
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// WriteTo encodes the table as a base relocation block stream: pages
// ascending, offsets ascending, every entry tagged HIGHLOW.
func (rt *RelocationTable) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for _, page := range rt.sortedPages() {
		n, err := writeRelocBlock(w, page, rt.pageEntries(page))
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// WritePadded encodes the table like WriteTo, then grows the stream to
// exactly total bytes with extra ABSOLUTE padding entries in the last block
// (or one all-padding block for an empty table). A directory entry of fixed
// size overwritten this way re-decodes cleanly; a zero-filled tail would
// read back as a block of size 0.
func (rt *RelocationTable) WritePadded(w io.Writer, total uint32) (int64, error) {
	size := rt.Size()
	if total < size {
		return 0, fmt.Errorf("cannot pad relocation table of %d bytes into %d bytes", size, total)
	}
	pad := total - size
	if pad%2 != 0 {
		return 0, fmt.Errorf("relocation padding of %d bytes is not entry-aligned", pad)
	}

	pages := rt.sortedPages()
	if len(pages) == 0 {
		if pad == 0 {
			return 0, nil
		}
		if total <= relBlockHeaderSize {
			return 0, fmt.Errorf("cannot pad empty relocation table to %d bytes", total)
		}
		// A single block of ABSOLUTE no-op entries.
		return writeRelocBlock(w, 0, make([]uint16, (total-relBlockHeaderSize)/2))
	}

	var written int64
	for i, page := range pages {
		entries := rt.pageEntries(page)
		if i == len(pages)-1 && pad > 0 {
			entries = append(entries, make([]uint16, pad/2)...)
		}
		n, err := writeRelocBlock(w, page, entries)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Size returns the encoded length in bytes without encoding.
func (rt *RelocationTable) Size() uint32 {
	var size uint32
	for _, offsets := range rt.pages {
		n := uint32(len(offsets))
		size += relBlockHeaderSize + 2*(n+n%2)
	}
	return size
}

// Count returns the number of recorded addresses.
func (rt *RelocationTable) Count() int {
	var n int
	for _, offsets := range rt.pages {
		n += len(offsets)
	}
	return n
}

// Addresses returns every recorded absolute address in page-then-offset
// order, the inverse of BuildRelocationTable.
func (rt *RelocationTable) Addresses() []uint32 {
	addrs := make([]uint32, 0, rt.Count())
	for _, page := range rt.sortedPages() {
		for _, offset := range rt.pages[page] {
			addrs = append(addrs, page|uint32(offset))
		}
	}
	return addrs
}
