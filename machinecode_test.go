package pe32

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fromHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	require.NoError(t, err)
	return b
}

// The classic patch fragment: store a constant, call a helper, load a
// register, jump back to the original code.
//
//	org 123456h
//	mov dword [esi+14h], 0fh
//	call near func          ; func = 222222h
//	mov edi, 0fh
//	jmp near return_addr    ; return_addr = 777777h
func TestMachineCodeRelativeReferences(t *testing.T) {
	mc, err := Assemble(
		0xC7, 0x46, 0x14, Dword(0xF), // mov dword [esi+14h], 0fh
		0xE8, RelRef("func", 4), // call near func
		0xBF, Dword(0xF), // mov edi, 0fh
		0xE9, RelRef("return_addr", 4), // jmp near return_addr
	)
	require.NoError(t, err)

	mc.SetOrigin(0x123456)
	mc.Define("func", 0x222222)
	mc.Define("return_addr", 0x777777)

	got, err := mc.Bytes()
	require.NoError(t, err)
	assert.Equal(t, fromHex(t, "C7 46 14 0F 00 00 00 E8 C0 ED 0F 00 BF 0F 00 00 00 E9 0B 43 65 00"), got)
}

func TestMachineCodeAbsoluteReferences(t *testing.T) {
	mc, err := Assemble(
		make([]byte, 123),
		AbsRef("b", 4),
		make([]byte, 12345),
		AbsRef("a", 4),
		make([]byte, 10),
	)
	require.NoError(t, err)

	mc.SetOrigin(0)
	mc.DefineAll(map[string]uint32{"a": 0xDEAD, "b": 0xBEEF})

	resolved, err := mc.Bytes()
	require.NoError(t, err)
	require.Len(t, resolved, 123+4+12345+4+10)

	sites := mc.AbsoluteReferences()
	require.Equal(t, []int{123, 123 + 4 + 12345}, sites)

	// Each recorded site must be where the resolved little-endian value
	// actually landed.
	assert.Equal(t, sites[0], bytes.Index(resolved, Dword(0xBEEF)))
	assert.Equal(t, sites[1], bytes.Index(resolved, Dword(0xDEAD)))
}

func TestMachineCodeIdempotentResolution(t *testing.T) {
	mc, err := Assemble(0xE9, RelRef("target", 4), 0x90)
	require.NoError(t, err)

	mc.SetOrigin(0x401000)
	mc.Define("target", 0x402000)

	first, err := mc.Bytes()
	require.NoError(t, err)
	second, err := mc.Bytes()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMachineCodeUnresolvedSymbol(t *testing.T) {
	mc, err := Assemble(0xE8, RelRef("missing", 4))
	require.NoError(t, err)
	mc.SetOrigin(0x1000)

	_, err = mc.Bytes()
	var unresolved *UnresolvedSymbolError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "missing", unresolved.Name)
}

func TestMachineCodeBackwardReference(t *testing.T) {
	// A jump to an address below the origin must encode a negative
	// two's-complement displacement.
	mc, err := Assemble(0xE9, RelRef("back", 4))
	require.NoError(t, err)
	mc.SetOrigin(0x2000)
	mc.Define("back", 0x1000)

	got, err := mc.Bytes()
	require.NoError(t, err)
	// 0x1000 - (0x2000 + 1 + 4) = -0x1005
	assert.Equal(t, append([]byte{0xE9}, Dword(0xFFFFEFFB)...), got)
}

func TestMachineCodeShortReference(t *testing.T) {
	mc, err := Assemble(0xEB, RelRef("near", 1))
	require.NoError(t, err)
	mc.SetOrigin(0x1000)
	mc.Define("near", 0x1000+2+0x10)

	got, err := mc.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xEB, 0x10}, got)
}

func TestMachineCodeRejectsBadInput(t *testing.T) {
	_, err := Assemble(0x100)
	assert.Error(t, err)

	_, err = Assemble("mov")
	assert.Error(t, err)

	mc := NewMachineCode()
	assert.Error(t, mc.EmitRef(RelRef("x", 3)))
}

func TestMachStrlen(t *testing.T) {
	mc := MachStrlen([]byte{0x90})
	got, err := mc.Bytes()
	require.NoError(t, err)
	assert.Equal(t, fromHex(t, "51 31 C9 80 3C 08 00 74 0B 81 F9 00 01 00 00 7F 04 41 EB EF 90 59"), got)
}

func TestMachStrlenPayloadLimit(t *testing.T) {
	// 124 bytes is the largest payload the forward short jump can skip.
	mc := MachStrlen(make([]byte, 124))
	got, err := mc.Bytes()
	require.NoError(t, err)
	assert.Equal(t, byte(0x7F), got[15])
	assert.Equal(t, byte(127), got[16])

	assert.Panics(t, func() { MachStrlen(make([]byte, 125)) })
}
