// Completion: 100% - typed errors for format and symbol resolution failures
package pe32

import "fmt"

// FormatError reports a structural problem in a PE file: a bad signature, an
// unsupported optional header size, or a malformed relocation block. Nothing
// is guessed or defaulted on malformed input, since a misread structure would
// be written back verbatim and corrupt the image.
type FormatError struct {
	msg string
}

func (e *FormatError) Error() string {
	return e.msg
}

func formatErrorf(format string, args ...any) error {
	return &FormatError{msg: fmt.Sprintf(format, args...)}
}

// UnresolvedSymbolError means a Ref was resolved before its symbol value was
// defined. This is a caller ordering error: define every symbol before
// calling Bytes.
type UnresolvedSymbolError struct {
	Name string
}

func (e *UnresolvedSymbolError) Error() string {
	return fmt.Sprintf("unresolved symbol: %s", e.Name)
}
