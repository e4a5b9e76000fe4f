// Package semver checks the protocol version a child frame reports against the range
// this host was built to speak.
package semver

import (
	"fmt"
	"regexp"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "semver:range"

var majorOnlyRegex = regexp.MustCompile(`^\d+$`)

// IsMajorOnly checks if a range is a major-only specifier (e.g., "1").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// ExtractMajorFromRange extracts the major version if the range is major-only.
// Returns -1 if not a major-only range.
func ExtractMajorFromRange(rangeStr string) int {
	if !IsMajorOnly(rangeStr) {
		return -1
	}
	var major int
	fmt.Sscanf(rangeStr, "%d", &major)
	return major
}

// Compat holds a parsed protocol range. A nil *Compat accepts every version.
type Compat struct {
	raw        string
	major      int
	constraint *masterminds.Constraints
}

// NewCompat parses rangeStr ("1", "^1.2.0", ">=1.0.0 <3.0.0"). An empty range returns nil.
func NewCompat(rangeStr string) (*Compat, error) {
	rangeStr = strings.TrimSpace(rangeStr)
	if rangeStr == "" {
		return nil, nil
	}
	if IsMajorOnly(rangeStr) {
		return &Compat{raw: rangeStr, major: ExtractMajorFromRange(rangeStr)}, nil
	}
	c, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid protocol range %q: %w", logPrefix, rangeStr, err)
	}
	return &Compat{raw: rangeStr, major: -1, constraint: c}, nil
}

// String returns the range as configured.
func (c *Compat) String() string {
	if c == nil {
		return "*"
	}
	return c.raw
}

// Check reports whether version satisfies the range. Unparseable versions return an error.
func (c *Compat) Check(version string) (bool, error) {
	if c == nil {
		return true, nil
	}
	sv, err := masterminds.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return false, fmt.Errorf("%s - invalid protocol version %q: %w", logPrefix, version, err)
	}
	if c.constraint == nil {
		return int(sv.Major()) == c.major, nil
	}
	return c.constraint.Check(sv), nil
}
