package instrumentation

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

/*
Go equivalents of struct usdt_arg_spec and struct probe_spec in
bpf/nixtrace.bpf.c. The argument spec follows libbpf's layout so the BPF side
can read any argument with a single code path: a constant, a register, or a
memory location addressed by register plus offset.
*/
type usdtArgType uint32

const (
	argConst usdtArgType = iota
	argReg
	argRegDeref
)

const maxUSDTArgs = 4

type usdtArgSpec struct {
	// Constant value, or offset added to the register for argRegDeref.
	ValOff  uint64
	ArgType usdtArgType
	// Offset of the register within struct pt_regs.
	RegOff    int16
	ArgSigned bool
	// 64 minus the argument width in bits; used to sign or zero extend.
	ArgBitshift int8
}

type probeSpec struct {
	Args   [maxUSDTArgs]usdtArgSpec
	ArgCnt uint32
	Kind   uint32
	Name   [ProbeNameLen]byte
	_      [7]byte
}

const probeSpecSize = 104

// MarshalBinary lays the spec out for the probe_specs map.
func (s *probeSpec) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, probeSpecSize))
	if err := binary.Write(buf, byteOrder, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var errBadArgSpec = errors.New("unsupported USDT argument descriptor")

// parseUSDTArgs parses the space-separated argument descriptor of a stapsdt
// note, e.g. "-8@%rax 4@-20(%rbp) 8@$3".
func parseUSDTArgs(machine elf.Machine, desc string) ([]usdtArgSpec, error) {
	var specs []usdtArgSpec
	for len(desc) > 0 {
		var (
			arg string
			err error
		)
		arg, desc, err = nextUSDTArg(machine, desc)
		if err != nil {
			return nil, err
		}
		if arg == "" {
			break
		}
		if len(specs) == maxUSDTArgs {
			return nil, fmt.Errorf("%w: more than %d arguments", errBadArgSpec, maxUSDTArgs)
		}
		spec, err := parseUSDTArg(machine, arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d (%q): %w", len(specs)+1, arg, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// nextUSDTArg splits off one argument. arm64 memory operands contain a space
// inside their brackets ("8@[sp, 16]"), so splitting on spaces alone is not
// enough.
func nextUSDTArg(machine elf.Machine, desc string) (string, string, error) {
	desc = strings.TrimLeft(desc, " ")
	if desc == "" {
		return "", "", nil
	}
	depth := 0
	for i := 0; i < len(desc); i++ {
		switch desc[i] {
		case '[':
			depth++
		case ']':
			depth--
		case ' ':
			if depth == 0 {
				return desc[:i], desc[i+1:], nil
			}
		}
	}
	if depth != 0 && machine == elf.EM_AARCH64 {
		return "", "", fmt.Errorf("%w: unbalanced brackets in %q", errBadArgSpec, desc)
	}
	return desc, "", nil
}

func parseUSDTArg(machine elf.Machine, arg string) (usdtArgSpec, error) {
	var spec usdtArgSpec
	sizeStr, location, found := strings.Cut(arg, "@")
	if !found {
		return spec, fmt.Errorf("%w: missing size", errBadArgSpec)
	}
	size, err := strconv.Atoi(sizeStr)
	if err != nil {
		return spec, fmt.Errorf("%w: size %q", errBadArgSpec, sizeStr)
	}
	if size < 0 {
		spec.ArgSigned = true
		size = -size
	}
	switch size {
	case 1, 2, 4, 8:
		spec.ArgBitshift = int8(64 - size*8)
	default:
		return spec, fmt.Errorf("%w: size %d", errBadArgSpec, size)
	}

	switch machine {
	case elf.EM_X86_64:
		err = parseX86Location(&spec, location)
	case elf.EM_AARCH64:
		err = parseARM64Location(&spec, location)
	default:
		err = fmt.Errorf("%w: machine %v", errBadArgSpec, machine)
	}
	return spec, err
}

// AT&T syntax: "$imm", "%reg", "off(%reg)", "(%reg)".
func parseX86Location(spec *usdtArgSpec, location string) error {
	switch {
	case strings.HasPrefix(location, "$"):
		val, err := strconv.ParseInt(location[1:], 0, 64)
		if err != nil {
			return fmt.Errorf("%w: constant %q", errBadArgSpec, location)
		}
		spec.ArgType = argConst
		spec.ValOff = uint64(val)
		return nil
	case strings.HasPrefix(location, "%"):
		off, err := x86RegOffset(location[1:])
		if err != nil {
			return err
		}
		spec.ArgType = argReg
		spec.RegOff = off
		return nil
	case strings.HasSuffix(location, ")"):
		open := strings.IndexByte(location, '(')
		if open < 0 || !strings.HasPrefix(location[open+1:], "%") {
			return fmt.Errorf("%w: memory operand %q", errBadArgSpec, location)
		}
		var disp int64
		if open > 0 {
			var err error
			disp, err = strconv.ParseInt(location[:open], 0, 64)
			if err != nil {
				return fmt.Errorf("%w: displacement %q", errBadArgSpec, location[:open])
			}
		}
		reg := location[open+2 : len(location)-1]
		if strings.ContainsRune(reg, ',') {
			// Index/scale addressing is never emitted for USDT arguments.
			return fmt.Errorf("%w: indexed operand %q", errBadArgSpec, location)
		}
		off, err := x86RegOffset(reg)
		if err != nil {
			return err
		}
		spec.ArgType = argRegDeref
		spec.RegOff = off
		spec.ValOff = uint64(disp)
		return nil
	}
	return fmt.Errorf("%w: location %q", errBadArgSpec, location)
}

// Offsets into the x86_64 struct pt_regs, keyed by every name the assembler
// may use for a sub-register.
var x86PtRegsOffsets = func() map[string]int16 {
	offsets := make(map[string]int16)
	for _, reg := range []struct {
		names []string
		off   int16
	}{
		{[]string{"r15", "r15d", "r15w", "r15b"}, 0},
		{[]string{"r14", "r14d", "r14w", "r14b"}, 8},
		{[]string{"r13", "r13d", "r13w", "r13b"}, 16},
		{[]string{"r12", "r12d", "r12w", "r12b"}, 24},
		{[]string{"rbp", "ebp", "bp", "bpl"}, 32},
		{[]string{"rbx", "ebx", "bx", "bl"}, 40},
		{[]string{"r11", "r11d", "r11w", "r11b"}, 48},
		{[]string{"r10", "r10d", "r10w", "r10b"}, 56},
		{[]string{"r9", "r9d", "r9w", "r9b"}, 64},
		{[]string{"r8", "r8d", "r8w", "r8b"}, 72},
		{[]string{"rax", "eax", "ax", "al"}, 80},
		{[]string{"rcx", "ecx", "cx", "cl"}, 88},
		{[]string{"rdx", "edx", "dx", "dl"}, 96},
		{[]string{"rsi", "esi", "si", "sil"}, 104},
		{[]string{"rdi", "edi", "di", "dil"}, 112},
		{[]string{"rip", "eip", "ip"}, 128},
		{[]string{"rsp", "esp", "sp", "spl"}, 152},
	} {
		for _, name := range reg.names {
			offsets[name] = reg.off
		}
	}
	return offsets
}()

func x86RegOffset(name string) (int16, error) {
	off, ok := x86PtRegsOffsets[name]
	if !ok {
		return 0, fmt.Errorf("%w: register %q", errBadArgSpec, name)
	}
	return off, nil
}

// arm64 syntax: "imm", "xN"/"wN"/"sp", "[reg]", "[reg, off]".
func parseARM64Location(spec *usdtArgSpec, location string) error {
	if strings.HasPrefix(location, "[") && strings.HasSuffix(location, "]") {
		inner := location[1 : len(location)-1]
		regName, offStr, hasOff := strings.Cut(inner, ",")
		off, err := arm64RegOffset(strings.TrimSpace(regName))
		if err != nil {
			return err
		}
		var disp int64
		if hasOff {
			disp, err = strconv.ParseInt(strings.TrimSpace(offStr), 0, 64)
			if err != nil {
				return fmt.Errorf("%w: displacement %q", errBadArgSpec, offStr)
			}
		}
		spec.ArgType = argRegDeref
		spec.RegOff = off
		spec.ValOff = uint64(disp)
		return nil
	}
	if val, err := strconv.ParseInt(location, 0, 64); err == nil {
		spec.ArgType = argConst
		spec.ValOff = uint64(val)
		return nil
	}
	off, err := arm64RegOffset(location)
	if err != nil {
		return err
	}
	spec.ArgType = argReg
	spec.RegOff = off
	return nil
}

// Offsets into the arm64 struct user_pt_regs: regs[31], sp, pc.
func arm64RegOffset(name string) (int16, error) {
	if name == "sp" {
		return 31 * 8, nil
	}
	if len(name) > 1 && (name[0] == 'x' || name[0] == 'w') {
		n, err := strconv.Atoi(name[1:])
		if err == nil && n >= 0 && n <= 30 {
			return int16(n * 8), nil
		}
	}
	return 0, fmt.Errorf("%w: register %q", errBadArgSpec, name)
}
