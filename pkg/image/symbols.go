package image

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ianlancetaylor/demangle"
)

// Symbol is an entry from the ELF symbol table.
type Symbol struct {
	Name    string
	Addr    uint32
	Size    uint32
	Section string
	Func    bool
}

// Demangled returns the symbol name with C++ or Rust mangling removed.
func (s Symbol) Demangled() string {
	return Demangle(s.Name)
}

// Demangle returns the human-readable form of a mangled name. Rust legacy
// names lose their hash suffix. Names that are not mangled are returned
// unchanged.
func Demangle(name string) string {
	return demangle.Filter(name)
}

// Lookup finds a symbol by its raw or demangled name.
func (img *Image) Lookup(name string) (Symbol, bool) {
	for _, s := range img.Symbols {
		if s.Name == name {
			return s, true
		}
	}
	for _, s := range img.Symbols {
		if s.Demangled() == name {
			return s, true
		}
	}
	return Symbol{}, false
}

// Resolve turns a location into an address: a 0x-prefixed number or a
// symbol name. Function addresses have the Thumb bit cleared.
func (img *Image) Resolve(loc string) (uint32, bool) {
	loc = strings.TrimPrefix(strings.TrimSpace(loc), "*")
	if strings.HasPrefix(loc, "0x") || strings.HasPrefix(loc, "0X") {
		v, err := strconv.ParseUint(loc[2:], 16, 32)
		if err != nil {
			return 0, false
		}
		return uint32(v), true
	}
	s, ok := img.Lookup(loc)
	if !ok {
		return 0, false
	}
	if s.Func {
		return s.Addr &^ 1, true
	}
	return s.Addr, true
}

// Strings maps the address of every symbol in section to the text it
// covers. Symbols whose bytes are not valid UTF-8 are skipped.
func (img *Image) Strings(section string) map[uint32]string {
	out := make(map[uint32]string)
	for _, s := range img.Symbols {
		if s.Section != section || s.Size == 0 {
			continue
		}
		b, ok := img.Bytes(section, s.Addr, s.Size)
		if !ok || !utf8.Valid(b) {
			continue
		}
		out[s.Addr] = string(b)
	}
	return out
}
