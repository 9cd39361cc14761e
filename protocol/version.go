package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// VersionComponentLimit bounds each component of a Version, exclusive.
const VersionComponentLimit = 1000

var ErrInvalidVersion = errors.New("Invalid protocol version")

// Version is the application level protocol version two peers compare during
// the version check handshake.
type Version struct {
	Major    int `msgpack:"major" json:"major"`
	Minor    int `msgpack:"minor" json:"minor"`
	Revision int `msgpack:"revision" json:"revision"`
}

// Valid reports whether every component is within [0, VersionComponentLimit).
func (v Version) Valid() bool {
	return validComponent(v.Major) && validComponent(v.Minor) && validComponent(v.Revision)
}

// Compare orders versions by major, then minor, then revision. It returns -1,
// 0 or 1.
func (v Version) Compare(other Version) int {
	switch {
	case v.Major != other.Major:
		return sign(v.Major - other.Major)
	case v.Minor != other.Minor:
		return sign(v.Minor - other.Minor)
	default:
		return sign(v.Revision - other.Revision)
	}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision)
}

// ParseVersion parses "major.minor.revision". Missing trailing components
// default to zero, so "2" and "2.1" are accepted.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) == 0 || len(parts) > 3 {
		return Version{}, fmt.Errorf("Failed to parse %q: %w", s, ErrInvalidVersion)
	}

	var components [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return Version{}, fmt.Errorf("Failed to parse %q: %w", s, ErrInvalidVersion)
		}
		components[i] = n
	}

	v := Version{Major: components[0], Minor: components[1], Revision: components[2]}
	if !v.Valid() {
		return Version{}, fmt.Errorf("Version %s is out of range: %w", v, ErrInvalidVersion)
	}

	return v, nil
}

func validComponent(n int) bool {
	return n >= 0 && n < VersionComponentLimit
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
