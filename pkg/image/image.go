// Package image loads program images (ELF or raw binaries) into the section
// list that is written to, and later compared against, target memory.
package image

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Section is a contiguous block of image data.
type Section struct {
	Name string
	// Addr is the load address: where the bytes are written on the target.
	Addr uint32
	// VMA is the run-time address; it differs from Addr for initialised
	// data copied out of flash at startup.
	VMA  uint32
	Data []byte
}

// End returns the first address past the section.
func (s Section) End() uint32 {
	return s.Addr + uint32(len(s.Data))
}

// Image is a loaded program.
type Image struct {
	Path  string
	Entry uint32

	// Sections lists loadable sections ordered by load address.
	Sections []Section
	Symbols  []Symbol

	// named holds every section with contents, loadable or not, for
	// address-based string lookups.
	named map[string]Section
}

// ErrNoSections is returned when an image has nothing to load.
var ErrNoSections = errors.New("image: no loadable sections")

// New builds an image from sections and symbols. Sections are sorted by
// load address.
func New(path string, entry uint32, sections []Section, symbols []Symbol) *Image {
	img := &Image{
		Path:     path,
		Entry:    entry,
		Sections: append([]Section(nil), sections...),
		Symbols:  append([]Symbol(nil), symbols...),
		named:    make(map[string]Section),
	}
	sort.SliceStable(img.Sections, func(i, j int) bool {
		return img.Sections[i].Addr < img.Sections[j].Addr
	})
	for _, s := range img.Sections {
		img.named[s.Name] = s
	}
	return img
}

// Load picks the loader from the file contents: ELF when the magic matches,
// raw binary at base otherwise.
func Load(path string, base uint32) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}
	var magic [4]byte
	_, err = io.ReadFull(f, magic[:])
	f.Close()

	if err == nil && string(magic[:]) == elf.ELFMAG {
		return LoadELF(path)
	}
	return LoadBinary(path, base)
}

// LoadBinary loads a raw image placed at base as a single section.
func LoadBinary(path string, base uint32) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNoSections
	}
	sec := Section{Name: filepath.Base(path), Addr: base, VMA: base, Data: data}
	return New(path, base, []Section{sec}, nil), nil
}

// LoadELF reads an ELF executable from disk.
func LoadELF(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}
	defer f.Close()

	img, err := ParseELF(f)
	if err != nil {
		return nil, err
	}
	img.Path = path
	return img, nil
}

// ParseELF extracts loadable sections and symbols. A section is loadable
// when it is allocated, occupies file space and is non-empty, whatever its
// type (.ARM.exidx and .init_array included); its load address is
// translated through the covering PT_LOAD segment. Unallocated PROGBITS
// sections are kept for lookups only.
func ParseELF(r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("image: parse ELF: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("image: unsupported ELF class %v", f.Class)
	}

	var (
		loadable []Section
		other    []Section
	)
	for _, s := range f.Sections {
		alloc := s.Flags&elf.SHF_ALLOC != 0
		switch {
		case s.Size == 0, s.Type == elf.SHT_NULL, s.Type == elf.SHT_NOBITS:
			continue
		case !alloc && s.Type != elf.SHT_PROGBITS:
			continue
		}
		data, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("image: read section %s: %w", s.Name, err)
		}
		sec := Section{
			Name: s.Name,
			Addr: uint32(s.Addr),
			VMA:  uint32(s.Addr),
			Data: data,
		}
		if !alloc {
			other = append(other, sec)
			continue
		}
		sec.Addr = loadAddress(f.Progs, uint32(s.Addr))
		loadable = append(loadable, sec)
	}
	if len(loadable) == 0 {
		return nil, ErrNoSections
	}

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("image: read symbols: %w", err)
	}

	symbols := make([]Symbol, 0, len(syms))
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		sym := Symbol{
			Name: s.Name,
			Addr: uint32(s.Value),
			Size: uint32(s.Size),
			Func: elf.ST_TYPE(s.Info) == elf.STT_FUNC,
		}
		if int(s.Section) > 0 && int(s.Section) < len(f.Sections) {
			sym.Section = f.Sections[s.Section].Name
		}
		symbols = append(symbols, sym)
	}

	img := New("", uint32(f.Entry), loadable, symbols)
	for _, s := range other {
		img.named[s.Name] = s
	}
	return img, nil
}

// loadAddress maps a virtual address to its physical (load) address.
func loadAddress(progs []*elf.Prog, vaddr uint32) uint32 {
	for _, p := range progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		start := uint32(p.Vaddr)
		if vaddr >= start && vaddr-start < uint32(p.Memsz) {
			return uint32(p.Paddr) + (vaddr - start)
		}
	}
	return vaddr
}

// Size returns the number of bytes that will be written to the target.
func (img *Image) Size() int {
	n := 0
	for _, s := range img.Sections {
		n += len(s.Data)
	}
	return n
}

// Section looks up a section, loadable or not, by name.
func (img *Image) Section(name string) (Section, bool) {
	s, ok := img.named[name]
	return s, ok
}

// Bytes returns size bytes at run-time address addr from the named section.
func (img *Image) Bytes(section string, addr, size uint32) ([]byte, bool) {
	s, ok := img.named[section]
	if !ok || addr < s.VMA {
		return nil, false
	}
	off := addr - s.VMA
	if uint64(off)+uint64(size) > uint64(len(s.Data)) {
		return nil, false
	}
	return s.Data[off : off+size], true
}
