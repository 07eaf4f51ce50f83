// Completion: 100% - section table with bisection address translation
package pe32

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"
)

const sectionHeaderSize = 40

// NoSection is returned by WhichSectionByOffset and WhichSectionByRVA when
// the address precedes every section. It is an expected result, not an
// error, and must be checked before indexing into the table.
const NoSection = -1

// SectionHeader is one 40-byte entry of the section table. The twelve bytes
// between PointerToRawData and Characteristics (relocation and line number
// pointers, unused in linked images) are kept verbatim for re-encoding.
type SectionHeader struct {
	Name             [8]byte
	VirtualSize      uint32
	VirtualAddress   uint32
	SizeOfRawData    uint32
	PointerToRawData uint32
	Reserved         [12]byte
	Characteristics  uint32
}

// GetName returns the section name with NUL padding stripped.
func (sh *SectionHeader) GetName() string {
	name := string(sh.Name[:])
	if idx := strings.IndexByte(name, 0); idx != -1 {
		name = name[:idx]
	}
	return strings.TrimSpace(name)
}

// ContainsRVA reports whether rva falls inside the section's virtual extent.
func (sh *SectionHeader) ContainsRVA(rva uint32) bool {
	return rva >= sh.VirtualAddress && rva < sh.VirtualAddress+sh.VirtualSize
}

// ContainsOffset reports whether a file offset falls inside the section's
// raw data.
func (sh *SectionHeader) ContainsOffset(offset uint32) bool {
	return offset >= sh.PointerToRawData && offset < sh.PointerToRawData+sh.SizeOfRawData
}

// WriteTo re-encodes the section header byte-identically.
func (sh *SectionHeader) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, binary.LittleEndian, sh); err != nil {
		return 0, err
	}
	return sectionHeaderSize, nil
}

// SectionTable holds the section headers in file order. Both the RVA
// sequence and the raw offset sequence are strictly increasing, which is
// verified on read and is what makes bisection lookups valid.
type SectionTable []SectionHeader

// ReadSectionTable reads count section headers at offset and validates the
// monotonicity invariant.
func ReadSectionTable(r io.ReadSeeker, offset int64, count int) (SectionTable, error) {
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to section table: %v", err)
	}

	st := make(SectionTable, count)
	for i := 0; i < count; i++ {
		if err := binary.Read(r, binary.LittleEndian, &st[i]); err != nil {
			return nil, fmt.Errorf("failed to read section %d: %v", i, err)
		}
	}

	for i := 1; i < count; i++ {
		if st[i].VirtualAddress <= st[i-1].VirtualAddress {
			return nil, formatErrorf("section %d (%s): RVA 0x%x not above previous 0x%x",
				i, st[i].GetName(), st[i].VirtualAddress, st[i-1].VirtualAddress)
		}
		if st[i].PointerToRawData <= st[i-1].PointerToRawData {
			return nil, formatErrorf("section %d (%s): raw offset 0x%x not above previous 0x%x",
				i, st[i].GetName(), st[i].PointerToRawData, st[i-1].PointerToRawData)
		}
	}

	return st, nil
}

// WhichSectionByOffset returns the index of the rightmost section whose raw
// data begins at or before the file offset, or NoSection if the offset
// precedes every section.
func (st SectionTable) WhichSectionByOffset(offset uint32) int {
	return sort.Search(len(st), func(i int) bool {
		return st[i].PointerToRawData > offset
	}) - 1
}

// WhichSectionByRVA is the RVA-space counterpart of WhichSectionByOffset.
func (st SectionTable) WhichSectionByRVA(rva uint32) int {
	return sort.Search(len(st), func(i int) bool {
		return st[i].VirtualAddress > rva
	}) - 1
}

// OffsetToRVA translates a file offset into an RVA through the owning
// section. The result is meaningless past the section's declared size;
// callers needing containment must check ContainsOffset themselves.
func (st SectionTable) OffsetToRVA(offset uint32) (uint32, error) {
	i := st.WhichSectionByOffset(offset)
	if i == NoSection {
		return 0, formatErrorf("file offset 0x%x precedes every section", offset)
	}
	return offset - st[i].PointerToRawData + st[i].VirtualAddress, nil
}

// RVAToOffset translates an RVA into a file offset through the owning
// section.
func (st SectionTable) RVAToOffset(rva uint32) (uint32, error) {
	i := st.WhichSectionByRVA(rva)
	if i == NoSection {
		return 0, formatErrorf("RVA 0x%x precedes every section", rva)
	}
	return rva - st[i].VirtualAddress + st[i].PointerToRawData, nil
}

// WriteTo re-encodes the whole table in file order.
func (st SectionTable) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for i := range st {
		n, err := st[i].WriteTo(w)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
