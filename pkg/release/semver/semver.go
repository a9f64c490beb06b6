// Package semver implements the version arithmetic used for product releases,
// including the pre-1.0 bump policy.
package semver

import (
	"fmt"
	"strconv"
	"strings"
)

// BumpLevel is the magnitude of version change a changeset implies.
type BumpLevel string

const (
	BumpNone  BumpLevel = "none"
	BumpPatch BumpLevel = "patch"
	BumpMinor BumpLevel = "minor"
	BumpMajor BumpLevel = "major"
)

func (l BumpLevel) rank() int {
	switch l {
	case BumpPatch:
		return 1
	case BumpMinor:
		return 2
	case BumpMajor:
		return 3
	default:
		return 0
	}
}

// ParseBumpLevel parses none, patch, minor or major.
func ParseBumpLevel(s string) (BumpLevel, error) {
	switch BumpLevel(strings.ToLower(strings.TrimSpace(s))) {
	case BumpNone:
		return BumpNone, nil
	case BumpPatch:
		return BumpPatch, nil
	case BumpMinor:
		return BumpMinor, nil
	case BumpMajor:
		return BumpMajor, nil
	default:
		return "", fmt.Errorf("invalid bump level %q: must be none, patch, minor, or major", s)
	}
}

// Max returns the highest of the given levels; BumpNone for no input.
func Max(levels ...BumpLevel) BumpLevel {
	out := BumpNone
	for _, l := range levels {
		if l.rank() > out.rank() {
			out = l
		}
	}
	return out
}

// Version is a major.minor.patch triple.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// Parse parses a "major.minor.patch" string; a leading "v" is accepted.
func Parse(s string) (Version, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "v")

	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("expected 3 dot-separated components, got %d in %q", len(parts), s)
	}

	var nums [3]int
	names := [3]string{"major", "minor", "patch"}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Version{}, fmt.Errorf("invalid %s version %q: %w", names[i], p, err)
		}
		if n < 0 {
			return Version{}, fmt.Errorf("version components must be non-negative")
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders the version as "major.minor.patch".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 when v is less than, equal to or greater than o.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	default:
		return cmpInt(v.Patch, o.Patch)
	}
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Bump returns the next version for level.
//
// While Major is 0 every level above patch shifts one field right: a major
// bump increments Minor and zeroes Patch, a minor bump increments Patch. Once
// Major is at least 1 standard semver rules apply. BumpNone returns v.
func Bump(v Version, level BumpLevel) Version {
	if v.Major == 0 {
		switch level {
		case BumpMajor:
			return Version{Major: 0, Minor: v.Minor + 1, Patch: 0}
		case BumpMinor, BumpPatch:
			return Version{Major: 0, Minor: v.Minor, Patch: v.Patch + 1}
		}
		return v
	}
	switch level {
	case BumpMajor:
		return Version{Major: v.Major + 1}
	case BumpMinor:
		return Version{Major: v.Major, Minor: v.Minor + 1}
	case BumpPatch:
		return Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch + 1}
	}
	return v
}
