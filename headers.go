// Completion: 100% - PE32 header parsing and byte-exact re-encoding
package pe32

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Header layout constants for PE32 images.
const (
	dosHeaderSize      = 64
	peSignatureSize    = 4
	coffHeaderSize     = 20
	optionalHeaderSize = 224 // PE32 (32-bit) only

	elfanewOffset = 0x3C
	peSignature   = 0x00004550 // "PE\0\0"
	dosSignature  = 0x5A4D     // "MZ"
)

// DOSHeader is the 64-byte header at the start of every PE file. Only the
// signature and the e_lfanew field are interpreted; the rest is kept verbatim
// so the header re-encodes byte-identically.
type DOSHeader struct {
	raw     [dosHeaderSize]byte
	ELfanew uint32 // file offset of the NT headers
}

// readDOSHeader reads and validates the DOS header at the start of r.
func readDOSHeader(r io.ReadSeeker) (*DOSHeader, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to DOS header: %v", err)
	}

	var h DOSHeader
	if _, err := io.ReadFull(r, h.raw[:]); err != nil {
		return nil, fmt.Errorf("failed to read DOS header: %v", err)
	}

	if magic := uint16(h.raw[0]) | uint16(h.raw[1])<<8; magic != dosSignature {
		return nil, formatErrorf("invalid DOS signature: 0x%04x (expected 0x%04x)", magic, dosSignature)
	}

	h.ELfanew = getU32(h.raw[elfanewOffset:])
	return &h, nil
}

// Signature returns the two signature bytes ("MZ").
func (h *DOSHeader) Signature() [2]byte {
	return [2]byte{h.raw[0], h.raw[1]}
}

// Raw returns the 64 header bytes as read from the file.
func (h *DOSHeader) Raw() []byte {
	return h.raw[:]
}

// WriteTo re-encodes the header. The output is byte-identical to the input
// the header was parsed from.
func (h *DOSHeader) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(h.raw[:])
	return int64(n), err
}

// COFFHeader is the 20-byte COFF file header that follows the PE signature.
type COFFHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// OptionalHeader32 is the 224-byte PE32 optional header, data directory
// included. PE32+ images use a different layout and are rejected.
type OptionalHeader32 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	BaseOfData              uint32
	ImageBase               uint32
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32VersionValue       uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	CheckSum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint32
	SizeOfStackCommit       uint32
	SizeOfHeapReserve       uint32
	SizeOfHeapCommit        uint32
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
	DataDirectory           DataDirectory
}

// DataDirectoryEntry locates one PE subsystem: an RVA plus its size.
type DataDirectoryEntry struct {
	VirtualAddress uint32
	Size           uint32
}

// DataDirectory is the fixed 16-entry table at offset 0x60 of the optional
// header. Each slot is named after the subsystem it locates; the last slot
// is reserved and must stay zero.
type DataDirectory struct {
	Export        DataDirectoryEntry
	Import        DataDirectoryEntry
	Resource      DataDirectoryEntry
	Exception     DataDirectoryEntry
	Security      DataDirectoryEntry
	BaseReloc     DataDirectoryEntry
	Debug         DataDirectoryEntry
	Architecture  DataDirectoryEntry
	GlobalPtr     DataDirectoryEntry
	TLS           DataDirectoryEntry
	LoadConfig    DataDirectoryEntry
	BoundImport   DataDirectoryEntry
	IAT           DataDirectoryEntry
	DelayImport   DataDirectoryEntry
	COMDescriptor DataDirectoryEntry
	Reserved      DataDirectoryEntry
}

// readNTHeaders reads the PE signature, COFF header and optional header at
// offset and returns the parsed headers.
func readNTHeaders(r io.ReadSeeker, offset int64) (*COFFHeader, *OptionalHeader32, error) {
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return nil, nil, fmt.Errorf("failed to seek to NT headers: %v", err)
	}

	var sig uint32
	if err := binary.Read(r, binary.LittleEndian, &sig); err != nil {
		return nil, nil, fmt.Errorf("failed to read PE signature: %v", err)
	}
	if sig != peSignature {
		return nil, nil, formatErrorf("invalid PE signature: 0x%08x", sig)
	}

	var coff COFFHeader
	if err := binary.Read(r, binary.LittleEndian, &coff); err != nil {
		return nil, nil, fmt.Errorf("failed to read COFF header: %v", err)
	}

	if coff.SizeOfOptionalHeader != optionalHeaderSize {
		return nil, nil, formatErrorf("unsupported optional header size %d (expected %d, PE32 only)",
			coff.SizeOfOptionalHeader, optionalHeaderSize)
	}

	var opt OptionalHeader32
	if err := binary.Read(r, binary.LittleEndian, &opt); err != nil {
		return nil, nil, fmt.Errorf("failed to read optional header: %v", err)
	}

	return &coff, &opt, nil
}

// WriteTo re-encodes the COFF header in file byte order.
func (h *COFFHeader) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return 0, err
	}
	return coffHeaderSize, nil
}

// WriteTo re-encodes the optional header, data directory included.
func (h *OptionalHeader32) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return 0, err
	}
	return optionalHeaderSize, nil
}
