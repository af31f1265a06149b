package slot

import (
	"fmt"
	"strings"
)

// Slot identifies one of the two interchangeable root-filesystem slots.
type Slot string

const (
	A Slot = "a"
	B Slot = "b"
)

// Parse normalizes a slot identifier.
func Parse(s string) (Slot, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a":
		return A, nil
	case "b":
		return B, nil
	default:
		return "", fmt.Errorf("unknown slot %q", s)
	}
}

// Other returns the opposite slot.
func (s Slot) Other() Slot {
	if s == A {
		return B
	}
	return A
}

func (s Slot) String() string {
	return string(s)
}

// Valid reports whether s is one of the two known slots.
func (s Slot) Valid() bool {
	return s == A || s == B
}
