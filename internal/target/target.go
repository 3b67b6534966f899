// Package target maps a compilation target to the architecture specific
// flags needed to build freestanding, kernel safe object code.
package target

import (
	"errors"
	"strings"
)

var ErrNoTarget = errors.New("no target architecture given")

// Family is the architecture class a target belongs to
type Family int

const (
	FamilyOther Family = iota
	FamilyX86_64
	FamilyX86
	FamilyRISCV64
	FamilyAArch64
)

// Known lists the architecture names offered for shell completion
var Known = []string{"x86_64", "i686", "riscv64", "aarch64"}

func (f Family) String() string {
	switch f {
	case FamilyX86_64:
		return "x86_64"
	case FamilyX86:
		return "x86"
	case FamilyRISCV64:
		return "riscv64"
	case FamilyAArch64:
		return "aarch64"
	default:
		return "other"
	}
}

// ParseFamily classifies an architecture name. Both the GNU spellings
// (x86_64, i686) and the Go ones (amd64, 386) are understood.
func ParseFamily(arch string) Family {
	arch = strings.ToLower(strings.TrimSpace(arch))
	switch arch {
	case "x86_64", "amd64", "x64":
		return FamilyX86_64
	case "x86", "386", "i386", "i486", "i586", "i686":
		return FamilyX86
	case "aarch64", "arm64":
		return FamilyAArch64
	}
	if strings.HasPrefix(arch, "riscv64") {
		return FamilyRISCV64
	}
	return FamilyOther
}

// Flags returns the architecture specific flags, in the order they are
// appended after the universal freestanding flags.
func (f Family) Flags() []string {
	var flags []string

	switch f {
	case FamilyX86_64, FamilyX86:
		// interrupt handlers clobber the red zone, and the kernel lives in the
		// top 2GiB of the address space
		flags = append(flags, "-mno-red-zone", "-mcmodel=kernel")
	}

	switch f {
	case FamilyRISCV64:
		flags = append(flags, "-march=rv64gc", "-mabi=lp64d")
	default:
		flags = append(flags, "-mgeneral-regs-only")
	}

	return flags
}

// PointerSize is the size of a data pointer (and of size_t) in bytes
func (f Family) PointerSize() int {
	if f == FamilyX86 {
		return 4
	}
	return 8
}

// CharSigned reports whether plain `char` is signed under the family's ABI
func (f Family) CharSigned() bool {
	switch f {
	case FamilyAArch64, FamilyRISCV64:
		return false
	default:
		return true
	}
}

// Target is a parsed compilation target
type Target struct {
	Triple string // full triple, empty if only an architecture was given
	Arch   string
	Family Family
}

// Parse accepts either a bare architecture (`x86_64`) or a target triple
// (`x86_64-unknown-none`); the architecture is the first triple component.
func Parse(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, ErrNoTarget
	}

	arch, _, isTriple := strings.Cut(s, "-")
	t := Target{Arch: arch, Family: ParseFamily(arch)}
	if isTriple {
		t.Triple = s
	}
	return t, nil
}

// Flags returns the target profile flags for t
func (t Target) Flags() []string { return t.Family.Flags() }

// ClangTarget returns the value for clang's --target flag, or "" when only an
// architecture is known
func (t Target) ClangTarget() string { return t.Triple }

func (t Target) String() string {
	if t.Triple != "" {
		return t.Triple
	}
	return t.Arch
}
