// Completion: 100% - whole-image view with lazy section and relocation tables
package pe32

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Image is a PE32 file opened for inspection and in-place patching. The DOS,
// COFF and optional headers are parsed eagerly as a read-only snapshot; the
// section table and relocation table are built on first use and memoized.
//
// All reads and writes go through one shared file handle with cursor-based
// positioning, so an Image is not safe for concurrent use. Callers patching
// from multiple goroutines must serialize access themselves.
type Image struct {
	file     *os.File
	writable bool
	locked   bool

	DOS  *DOSHeader
	COFF *COFFHeader
	Opt  *OptionalHeader32

	sections SectionTable
	relocs   *RelocationTable
}

// Open opens the PE32 image at path read-only.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PE file: %v", err)
	}
	img, err := NewImage(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return img, nil
}

// OpenReadWrite opens the image for in-place patching and takes an exclusive
// advisory lock on the file for the lifetime of the Image.
func OpenReadWrite(path string) (*Image, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open PE file for writing: %v", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to lock %s: %v", path, err)
	}
	img, err := NewImage(f)
	if err != nil {
		unlockFile(f)
		f.Close()
		return nil, err
	}
	img.writable = true
	img.locked = true
	return img, nil
}

// NewImage parses the headers of an already opened file. The Image takes
// over cursor positioning on the handle; Close closes it.
func NewImage(f *os.File) (*Image, error) {
	img := &Image{file: f}
	if err := img.parseHeaders(); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *Image) parseHeaders() error {
	dos, err := readDOSHeader(img.file)
	if err != nil {
		return err
	}

	coff, opt, err := readNTHeaders(img.file, int64(dos.ELfanew))
	if err != nil {
		return err
	}

	img.DOS = dos
	img.COFF = coff
	img.Opt = opt

	logger.WithFields(map[string]any{
		"e_lfanew": fmt.Sprintf("0x%x", dos.ELfanew),
		"sections": coff.NumberOfSections,
		"base":     fmt.Sprintf("0x%x", opt.ImageBase),
	}).Debug("parsed PE headers")

	return nil
}

// sectionTableOffset is the file offset of the first section header.
func (img *Image) sectionTableOffset() int64 {
	return int64(img.DOS.ELfanew) + peSignatureSize + coffHeaderSize + optionalHeaderSize
}

// Sections returns the section table, reading it on first use.
func (img *Image) Sections() (SectionTable, error) {
	if img.sections == nil {
		st, err := ReadSectionTable(img.file, img.sectionTableOffset(), int(img.COFF.NumberOfSections))
		if err != nil {
			return nil, err
		}
		img.sections = st
	}
	return img.sections, nil
}

// Relocations returns the base relocation table, decoding it from the
// basereloc data directory entry on first use. An image without relocations
// yields an empty table.
func (img *Image) Relocations() (*RelocationTable, error) {
	if img.relocs == nil {
		dir := img.Opt.DataDirectory.BaseReloc
		if dir.Size == 0 {
			img.relocs = NewRelocationTable()
			return img.relocs, nil
		}

		st, err := img.Sections()
		if err != nil {
			return nil, err
		}
		offset, err := st.RVAToOffset(dir.VirtualAddress)
		if err != nil {
			return nil, err
		}

		if _, err := img.file.Seek(int64(offset), io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek to relocation data: %v", err)
		}
		rt, err := ReadRelocationTable(img.file, dir.Size)
		if err != nil {
			return nil, err
		}
		logger.WithField("addresses", rt.Count()).Debug("decoded base relocations")
		img.relocs = rt
	}
	return img.relocs, nil
}

// Reread discards the header snapshot and both memoized tables and parses
// the file again. Call it after writing to the file behind the Image's back;
// the caches are invalidated together so the tables can never disagree with
// the headers they were derived from.
func (img *Image) Reread() error {
	img.sections = nil
	img.relocs = nil
	return img.parseHeaders()
}

// OffsetToRVA translates a file offset through the section table.
func (img *Image) OffsetToRVA(offset uint32) (uint32, error) {
	st, err := img.Sections()
	if err != nil {
		return 0, err
	}
	return st.OffsetToRVA(offset)
}

// RVAToOffset translates an RVA through the section table.
func (img *Image) RVAToOffset(rva uint32) (uint32, error) {
	st, err := img.Sections()
	if err != nil {
		return 0, err
	}
	return st.RVAToOffset(rva)
}

// PatchBytes writes data at the given file offset. The cached tables keep
// describing the pre-patch file until Reread is called.
func (img *Image) PatchBytes(offset int64, data []byte) error {
	if !img.writable {
		return fmt.Errorf("image not opened for writing")
	}
	if _, err := img.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to patch offset 0x%x: %v", offset, err)
	}
	if _, err := img.file.Write(data); err != nil {
		return fmt.Errorf("failed to write %d bytes at 0x%x: %v", len(data), offset, err)
	}
	logger.WithFields(map[string]any{
		"offset": fmt.Sprintf("0x%x", offset),
		"bytes":  len(data),
	}).Debug("patched bytes")
	return nil
}

// WriteRelocations re-encodes the (possibly modified) relocation table over
// the basereloc directory data. The encoded table must fit the directory
// entry's declared size; growing the directory would mean moving sections,
// which is out of scope for in-place patching.
func (img *Image) WriteRelocations() error {
	if !img.writable {
		return fmt.Errorf("image not opened for writing")
	}

	rt, err := img.Relocations()
	if err != nil {
		return err
	}

	dir := img.Opt.DataDirectory.BaseReloc
	if dir.Size == 0 {
		return formatErrorf("image has no base relocation directory")
	}
	if rt.Size() > dir.Size {
		return fmt.Errorf("relocation table (%d bytes) exceeds directory size (%d bytes)",
			rt.Size(), dir.Size)
	}

	offset, err := img.RVAToOffset(dir.VirtualAddress)
	if err != nil {
		return err
	}
	if _, err := img.file.Seek(int64(offset), io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to relocation data: %v", err)
	}
	// Pad to the directory's declared size with ABSOLUTE entries so the
	// stream re-decodes after Reread; the directory size itself stays put.
	if _, err := rt.WritePadded(img.file, dir.Size); err != nil {
		return fmt.Errorf("failed to write relocation table: %v", err)
	}
	return nil
}

// Info returns a human-readable dump of the headers and section table. It is
// diagnostic output only, not part of the binary contract.
func (img *Image) Info() string {
	var sb strings.Builder

	sig := img.DOS.Signature()
	fmt.Fprintf(&sb, "DOS signature: %s\n", sig[:])
	fmt.Fprintf(&sb, "e_lfanew: 0x%x\n", img.DOS.ELfanew)
	fmt.Fprintf(&sb, "Machine: 0x%04x, sections: %d, characteristics: 0x%04x\n",
		img.COFF.Machine, img.COFF.NumberOfSections, img.COFF.Characteristics)
	fmt.Fprintf(&sb, "Entry point RVA: 0x%x, image base: 0x%x\n",
		img.Opt.AddressOfEntryPoint, img.Opt.ImageBase)
	fmt.Fprintf(&sb, "Image size: 0x%x, subsystem: %d\n",
		img.Opt.SizeOfImage, img.Opt.Subsystem)
	fmt.Fprintf(&sb, "Base relocations: RVA 0x%x, size 0x%x\n",
		img.Opt.DataDirectory.BaseReloc.VirtualAddress, img.Opt.DataDirectory.BaseReloc.Size)

	if st, err := img.Sections(); err == nil {
		sb.WriteString("Sections:\n")
		for i := range st {
			sh := &st[i]
			fmt.Fprintf(&sb, "  [%d] %-8s RVA=0x%08x vsize=0x%08x raw=0x%08x rawsize=0x%08x flags=0x%08x\n",
				i, sh.GetName(), sh.VirtualAddress, sh.VirtualSize,
				sh.PointerToRawData, sh.SizeOfRawData, sh.Characteristics)
		}
	} else {
		fmt.Fprintf(&sb, "Sections: unavailable (%v)\n", err)
	}

	return sb.String()
}

// Close releases the advisory lock, if any, and closes the file.
func (img *Image) Close() error {
	if img.locked {
		unlockFile(img.file)
		img.locked = false
	}
	return img.file.Close()
}
