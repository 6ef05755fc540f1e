// Package quant implements grouped low-bit quantization
// of float buffers for collective reductions.
package quant

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnsupported is returned for bit widths and schemes
// that an Engine cannot handle.
var ErrUnsupported = errors.New("unsupported quantization")

// A Scheme determines how values in a group are mapped to
// integers.
type Scheme int

const (
	// Symmetric maps [-absmax, absmax] onto signed levels
	// around zero, with one scale per group.
	Symmetric Scheme = iota

	// Asymmetric maps [min, max] onto unsigned levels, with
	// a scale and an offset per group.
	Asymmetric
)

// ParseScheme parses the name of a scheme, ignoring case.
func ParseScheme(s string) (Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "symmetric", "sym":
		return Symmetric, nil
	case "asymmetric", "asym":
		return Asymmetric, nil
	}
	return 0, errors.Wrapf(ErrUnsupported, "unknown scheme %q", s)
}

func (s Scheme) String() string {
	switch s {
	case Symmetric:
		return "symmetric"
	case Asymmetric:
		return "asymmetric"
	}
	return fmt.Sprintf("Scheme(%d)", int(s))
}

// ScalesPerGroup is the number of float32 parameters
// stored for each group.
func (s Scheme) ScalesPerGroup() int {
	if s == Asymmetric {
		return 2
	}
	return 1
}

// GroupBytes is the number of payload bytes taken by one
// group of elems values. Groups are padded to whole bytes,
// so payloads can be split on group boundaries.
func GroupBytes(elems, bits int) int {
	return (elems*bits + 7) / 8
}

// CheckBits returns an error unless bits is a supported
// width.
func CheckBits(bits int) error {
	if bits != 4 && bits != 8 {
		return errors.Wrapf(ErrUnsupported, "%d-bit quantization", bits)
	}
	return nil
}
