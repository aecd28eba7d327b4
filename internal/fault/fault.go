// Package fault defines the fatal error kinds of a boot attempt and the
// diagnostic rendered when one of them stops the loader.
package fault

import (
	"errors"
	"fmt"
	"io"
)

// Kind classifies a fatal boot error. A Kind is itself an error so lower
// layers can wrap it with fmt.Errorf("...: %w", fault.MappingConflict).
type Kind uint8

const (
	Unknown Kind = iota
	FirmwareServiceFailure
	ImageNotFound
	ImageFormatInvalid
	ImageTooLarge
	OutOfPhysicalMemory
	MappingConflict
	AlignmentViolation
)

var kindNames = [...]string{
	Unknown:                "Unknown",
	FirmwareServiceFailure: "FirmwareServiceFailure",
	ImageNotFound:          "ImageNotFound",
	ImageFormatInvalid:     "ImageFormatInvalid",
	ImageTooLarge:          "ImageTooLarge",
	OutOfPhysicalMemory:    "OutOfPhysicalMemory",
	MappingConflict:        "MappingConflict",
	AlignmentViolation:     "AlignmentViolation",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) Error() string { return k.String() }

// Code is the stable diagnostic code, e.g. "E06".
func (k Kind) Code() string { return fmt.Sprintf("E%02d", uint8(k)) }

// ExitStatus is the process status used when the loader halts on k.
func (k Kind) ExitStatus() int { return 0x10 + int(k) }

// KindOf returns the first Kind found in err's chain, or Unknown.
func KindOf(err error) Kind {
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Unknown
}

// Diagnostic is the one-line operator message for err. The format is stable:
//
//	hhboot: fatal E06 MappingConflict: <detail>
func Diagnostic(err error) string {
	k := KindOf(err)
	return fmt.Sprintf("hhboot: fatal %s %s: %v", k.Code(), k, err)
}

// Report writes the diagnostic for err to w and returns the halt status.
// style, when non-nil, decorates the leading tag (for terminals).
func Report(w io.Writer, err error, style func(string) string) int {
	k := KindOf(err)
	tag := fmt.Sprintf("hhboot: fatal %s %s", k.Code(), k)
	if style != nil {
		tag = style(tag)
	}
	fmt.Fprintf(w, "%s: %v\n", tag, err)
	return k.ExitStatus()
}
