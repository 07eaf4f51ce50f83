// Completion: 100% - two-phase assembly: layout first, addresses later
package pe32

import "fmt"

// RefKind selects how a Ref is resolved.
type RefKind int

const (
	// RefRelative encodes target - (origin + site + size), the displacement
	// form used by near call/jmp and rel8 jumps.
	RefRelative RefKind = iota
	// RefAbsolute encodes the raw symbol value. Sites written this way need
	// a base relocation entry when the code lives in a relocatable image.
	RefAbsolute
)

// Ref is a deferred patch site inside a MachineCode buffer: a symbolic
// target plus the fixup width in bytes (1, 2 or 4). The value is filled in
// once the buffer's origin address and the symbol value are known.
type Ref struct {
	Name string
	Kind RefKind
	Size int
}

// RelRef returns a relative reference to the named symbol.
func RelRef(name string, size int) Ref {
	return Ref{Name: name, Kind: RefRelative, Size: size}
}

// AbsRef returns an absolute reference to the named symbol.
func AbsRef(name string, size int) Ref {
	return Ref{Name: name, Kind: RefAbsolute, Size: size}
}

// segment is either a literal byte run or a single deferred reference.
type segment struct {
	literal []byte
	ref     *Ref
}

// MachineCode is a buffer of literal byte runs and deferred symbolic
// references, assembled before any address is known. Once an origin address
// and every symbol value are set, Bytes resolves the references in one
// linear pass. Resolution is a pure function of the inputs: the same origin
// and symbols always produce identical output.
type MachineCode struct {
	segs    []segment
	length  int
	origin  uint32
	symbols map[string]uint32
}

// NewMachineCode returns an empty buffer.
func NewMachineCode() *MachineCode {
	return &MachineCode{symbols: make(map[string]uint32)}
}

// Assemble builds a buffer from a mix of parts: byte, int (0..255), []byte
// and Ref values, in order.
func Assemble(parts ...any) (*MachineCode, error) {
	mc := NewMachineCode()
	for i, part := range parts {
		switch v := part.(type) {
		case byte:
			mc.Emit(v)
		case int:
			if v < 0 || v > 0xFF {
				return nil, fmt.Errorf("part %d: byte value %d out of range", i, v)
			}
			mc.Emit(byte(v))
		case []byte:
			mc.EmitBytes(v)
		case Ref:
			if err := mc.EmitRef(v); err != nil {
				return nil, fmt.Errorf("part %d: %v", i, err)
			}
		default:
			return nil, fmt.Errorf("part %d: unsupported type %T", i, part)
		}
	}
	return mc, nil
}

// Emit appends literal bytes.
func (mc *MachineCode) Emit(b ...byte) {
	mc.EmitBytes(b)
}

// EmitBytes appends a literal byte run. The bytes are copied.
func (mc *MachineCode) EmitBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	if n := len(mc.segs); n > 0 && mc.segs[n-1].ref == nil {
		// Extend the trailing literal run instead of adding a segment.
		mc.segs[n-1].literal = append(mc.segs[n-1].literal, b...)
	} else {
		mc.segs = append(mc.segs, segment{literal: append([]byte(nil), b...)})
	}
	mc.length += len(b)
}

// EmitRef appends a deferred reference occupying ref.Size bytes.
func (mc *MachineCode) EmitRef(ref Ref) error {
	switch ref.Size {
	case 1, 2, 4:
	default:
		return fmt.Errorf("reference %q: invalid fixup size %d (want 1, 2 or 4)", ref.Name, ref.Size)
	}
	r := ref
	mc.segs = append(mc.segs, segment{ref: &r})
	mc.length += ref.Size
	return nil
}

// Len returns the resolved buffer length in bytes.
func (mc *MachineCode) Len() int {
	return mc.length
}

// SetOrigin assigns the load address of the buffer's first byte, the base
// for relative displacement arithmetic.
func (mc *MachineCode) SetOrigin(addr uint32) {
	mc.origin = addr
}

// Origin returns the current origin address.
func (mc *MachineCode) Origin() uint32 {
	return mc.origin
}

// Define assigns a value to a symbol name.
func (mc *MachineCode) Define(name string, value uint32) {
	mc.symbols[name] = value
}

// DefineAll assigns several symbol values at once.
func (mc *MachineCode) DefineAll(symbols map[string]uint32) {
	for name, value := range symbols {
		mc.symbols[name] = value
	}
}

// Bytes resolves every reference against the origin and symbol table and
// returns the final byte sequence. A relative reference at site offset s
// with width w encodes value - (origin + s + w) in two's complement little
// endian; the caller picks a width large enough for the displacement, which
// is not range-checked. An absolute reference encodes the raw value.
// Resolving with an undefined symbol fails with UnresolvedSymbolError.
func (mc *MachineCode) Bytes() ([]byte, error) {
	out := make([]byte, 0, mc.length)
	for _, seg := range mc.segs {
		if seg.ref == nil {
			out = append(out, seg.literal...)
			continue
		}

		value, ok := mc.symbols[seg.ref.Name]
		if !ok {
			return nil, &UnresolvedSymbolError{Name: seg.ref.Name}
		}

		site := len(out)
		field := make([]byte, seg.ref.Size)
		switch seg.ref.Kind {
		case RefRelative:
			disp := int64(value) - int64(mc.origin) - int64(site) - int64(seg.ref.Size)
			putLE(field, uint32(disp))
		case RefAbsolute:
			putLE(field, value)
		}
		out = append(out, field...)
	}
	return out, nil
}

// AbsoluteReferences returns the buffer offsets where absolute references
// are written, in buffer order. These are the sites to register in a
// RelocationTable when the resolved code becomes part of a relocatable
// image.
func (mc *MachineCode) AbsoluteReferences() []int {
	var sites []int
	pos := 0
	for _, seg := range mc.segs {
		if seg.ref == nil {
			pos += len(seg.literal)
			continue
		}
		if seg.ref.Kind == RefAbsolute {
			sites = append(sites, pos)
		}
		pos += seg.ref.Size
	}
	return sites
}

// MachStrlen wraps code in an inline strlen loop: ECX is saved, zeroed and
// incremented until the NUL terminator of the string at EAX is found, code
// runs with the length in ECX, then ECX is restored. Strings longer than
// 0x100 bytes skip code entirely. The skip is a short jump, so code is
// limited to 124 bytes; longer payloads panic.
func MachStrlen(code []byte) *MachineCode {
	if len(code) > 124 {
		panic(fmt.Sprintf("MachStrlen: %d code bytes exceed the 124-byte short-jump range", len(code)))
	}
	mc := NewMachineCode()
	mc.Emit(0x51)                                     // push ecx
	mc.Emit(0x31, 0xC9)                               // xor ecx, ecx
	mc.Emit(0x80, 0x3C, 0x08, 0x00)                   // cmp byte [eax+ecx], 0
	mc.Emit(0x74, 0x0B)                               // jz past the loop
	mc.Emit(0x81, 0xF9, 0x00, 0x01, 0x00, 0x00)       // cmp ecx, 0x100
	mc.Emit(0x7F, byte(len(code)+3))                  // jg past code
	mc.Emit(0x41)                                     // inc ecx
	mc.Emit(0xEB, 0xEF)                               // jmp back to the cmp
	mc.EmitBytes(code)
	mc.Emit(0x59)                                     // pop ecx
	return mc
}
