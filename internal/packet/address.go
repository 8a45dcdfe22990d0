package packet

import (
	"fmt"
	"strings"
)

// Address is a dot-separated hierarchical label such as
// "g.workflow.resize.watermark". A valid address has at least one segment,
// no empty segments, and no leading or trailing dot. Repeated segment
// names are allowed.
type Address string

// ParseAddress validates raw and returns it as an Address.
func ParseAddress(raw string) (Address, error) {
	if raw == "" {
		return "", fmt.Errorf("invalid address: empty")
	}
	if strings.HasPrefix(raw, ".") || strings.HasSuffix(raw, ".") {
		return "", fmt.Errorf("invalid address %q: leading or trailing dot", raw)
	}
	for _, seg := range strings.Split(raw, ".") {
		if seg == "" {
			return "", fmt.Errorf("invalid address %q: empty segment", raw)
		}
	}
	return Address(raw), nil
}

// IsValid reports whether a already satisfies the address grammar.
func (a Address) IsValid() bool {
	_, err := ParseAddress(string(a))
	return err == nil
}

// Segments splits the address on dots.
func (a Address) Segments() []string {
	return strings.Split(string(a), ".")
}

// HasPrefix reports whether prefix matches a on segment boundaries:
// the prefix extended by a dot must be a prefix of the address plus a dot.
// "g.work" does NOT match "g.workflow".
func (a Address) HasPrefix(prefix Address) bool {
	return strings.HasPrefix(string(a)+".", string(prefix)+".")
}
