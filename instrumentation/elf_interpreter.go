package instrumentation

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

const (
	stapsdtNoteSection = ".note.stapsdt"
	stapsdtBaseSection = ".stapsdt.base"
	stapsdtNoteOwner   = "stapsdt"
	ntStapsdt          = 3
)

// Marker is one site of a statically defined probe in the target, as
// described by a stapsdt note. A probe compiled into several places has one
// Marker per place.
type Marker struct {
	Provider string
	Name     string
	// Link-time addresses, already adjusted for prelinking.
	PC        uint64
	Semaphore uint64
	Args      string
}

type ELFInterpreter struct {
	path    string
	machine elf.Machine
	progs   []elf.ProgHeader
	// Sections read through file, which stays open until Close.
	sections []*elf.Section
	markers  []Marker
	file     *elf.File
}

var errNoLoadSegment = errors.New("address is not covered by a loadable segment")

func NewELFInterpreter(path string) (*ELFInterpreter, error) {
	exe, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF file %s: %w", path, err)
	}
	ei := &ELFInterpreter{
		path:     path,
		machine:  exe.Machine,
		sections: exe.Sections,
		file:     exe,
	}
	for _, prog := range exe.Progs {
		ei.progs = append(ei.progs, prog.ProgHeader)
	}
	notes := exe.Section(stapsdtNoteSection)
	if notes == nil {
		// A binary without notes simply exposes no markers.
		return ei, nil
	}
	data, err := notes.Data()
	if err != nil {
		exe.Close()
		return nil, fmt.Errorf("read %s section: %w", stapsdtNoteSection, err)
	}
	var baseAddr uint64
	if base := exe.Section(stapsdtBaseSection); base != nil {
		baseAddr = base.Addr
	}
	ei.markers = parseStapsdtNotes(data, exe.ByteOrder, baseAddr)
	return ei, nil
}

func (ei *ELFInterpreter) Close() error {
	return ei.file.Close()
}

func (ei *ELFInterpreter) Path() string {
	return ei.path
}

func (ei *ELFInterpreter) Machine() elf.Machine {
	return ei.machine
}

// FindMarkers returns every site of the named marker. An empty provider
// matches any provider.
func (ei *ELFInterpreter) FindMarkers(provider, name string) []Marker {
	var found []Marker
	for _, m := range ei.markers {
		if m.Name == name && (provider == "" || m.Provider == provider) {
			found = append(found, m)
		}
	}
	return found
}

// parseStapsdtNotes walks the note entries of a .note.stapsdt section. Each
// descriptor is laid out as pc, base, semaphore (one address each) followed
// by the NUL-terminated provider, name and argument strings. Malformed
// entries are skipped. When the binary has a .stapsdt.base section,
// addresses are shifted by the difference between its actual address and the
// base recorded in the note, which undoes prelinking.
func parseStapsdtNotes(data []byte, order binary.ByteOrder, baseAddr uint64) []Marker {
	var markers []Marker
	offset := 0
	for offset+12 <= len(data) {
		nameLen := int(order.Uint32(data[offset:]))
		descLen := int(order.Uint32(data[offset+4:]))
		noteType := order.Uint32(data[offset+8:])
		offset += 12

		namePad, descPad := align4(nameLen), align4(descLen)
		if namePad < nameLen || descPad < descLen || offset+namePad+descPad > len(data) {
			break
		}
		owner, _ := cString(data[offset : offset+nameLen])
		offset += namePad
		desc := data[offset : offset+descLen]
		offset += descPad

		if noteType != ntStapsdt || string(owner) != stapsdtNoteOwner || len(desc) < 24 {
			continue
		}
		pc := order.Uint64(desc[0:])
		noteBase := order.Uint64(desc[8:])
		semaphore := order.Uint64(desc[16:])

		provider, rest, ok := splitCString(desc[24:])
		if !ok {
			continue
		}
		name, rest, ok := splitCString(rest)
		if !ok {
			continue
		}
		args, _, _ := splitCString(rest)

		if baseAddr != 0 && noteBase != 0 {
			pc += baseAddr - noteBase
			if semaphore != 0 {
				semaphore += baseAddr - noteBase
			}
		}
		markers = append(markers, Marker{
			Provider:  provider,
			Name:      name,
			PC:        pc,
			Semaphore: semaphore,
			Args:      args,
		})
	}
	return markers
}

func align4(n int) int {
	return (n + 3) &^ 3
}

func splitCString(b []byte) (string, []byte, bool) {
	s, terminated := cString(b)
	if !terminated {
		return string(s), nil, false
	}
	return string(s), b[len(s)+1:], true
}

// FileOffset converts a marker address into the file offset uprobes are
// attached at, using the loadable segment that contains it.
func (ei *ELFInterpreter) FileOffset(addr uint64) (uint64, error) {
	return vaddrToFileOffset(ei.progs, addr)
}

func vaddrToFileOffset(progs []elf.ProgHeader, addr uint64) (uint64, error) {
	for _, prog := range progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if addr >= prog.Vaddr && addr < prog.Vaddr+prog.Memsz {
			return addr - prog.Vaddr + prog.Off, nil
		}
	}
	return 0, fmt.Errorf("%w: 0x%x", errNoLoadSegment, addr)
}

// SemaphoreOffset converts a semaphore address into the file offset the
// kernel increments while the uprobe is active. Semaphores live in .probes,
// a data section, so the section headers are used rather than the segments.
func (ei *ELFInterpreter) SemaphoreOffset(addr uint64) (uint64, error) {
	if addr == 0 {
		return 0, nil
	}
	for _, sec := range ei.sections {
		if sec.Type == elf.SHT_NOBITS || sec.Addr == 0 {
			continue
		}
		if addr >= sec.Addr && addr < sec.Addr+sec.Size {
			return addr - sec.Addr + sec.Offset, nil
		}
	}
	return 0, fmt.Errorf("semaphore 0x%x is not inside any section", addr)
}

// IsNopSite reports whether the instruction at addr is the nop the sdt macros
// emit for every marker. A mismatch means the notes do not describe this
// binary's code.
func (ei *ELFInterpreter) IsNopSite(addr uint64) (bool, error) {
	buf := make([]byte, 4)
	for _, sec := range ei.sections {
		if sec.Flags&elf.SHF_EXECINSTR == 0 || addr < sec.Addr || addr >= sec.Addr+sec.Size {
			continue
		}
		n, err := sec.ReadAt(buf, int64(addr-sec.Addr))
		if n == 0 && err != nil {
			return false, fmt.Errorf("read marker site 0x%x: %w", addr, err)
		}
		return isNopInstruction(ei.machine, buf[:n])
	}
	return false, fmt.Errorf("marker site 0x%x is not inside an executable section", addr)
}

func isNopInstruction(machine elf.Machine, code []byte) (bool, error) {
	switch machine {
	case elf.EM_X86_64:
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			return false, fmt.Errorf("decode x86-64 instruction: %w", err)
		}
		return inst.Op == x86asm.NOP, nil
	case elf.EM_AARCH64:
		inst, err := arm64asm.Decode(code)
		if err != nil {
			return false, fmt.Errorf("decode arm64 instruction: %w", err)
		}
		return inst.Op == arm64asm.NOP, nil
	default:
		return false, fmt.Errorf("unsupported machine %v", machine)
	}
}
