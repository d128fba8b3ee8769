package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// Allowlist holds values that must never be reported. Regexes are matched
// against the detected value; Values are compared case-insensitively.
type Allowlist struct {
	Regexes []string
	Values  []string

	compiled []*regexp.Regexp
}

// NewAllowlist validates and compiles an allowlist.
func NewAllowlist(regexes, values []string) (*Allowlist, error) {
	a := &Allowlist{
		Regexes: append([]string(nil), regexes...),
		Values:  append([]string(nil), values...),
	}
	for _, pattern := range a.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
		}
		a.compiled = append(a.compiled, re)
	}
	return a, nil
}

// LoadAllowlist reads a TOML allowlist:
//
//	[allowlist]
//	regexes = ['''@example\.com$''']
//	values  = ["555-0100"]
//
// An empty path yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}

	var file struct {
		Allowlist struct {
			Regexes []string `toml:"regexes"`
			Values  []string `toml:"values"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAllowlistNotFound, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	a, err := NewAllowlist(file.Allowlist.Regexes, file.Allowlist.Values)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// Allows reports whether value is allowlisted. A nil Allowlist allows
// nothing.
func (a *Allowlist) Allows(value string) bool {
	if a == nil {
		return false
	}
	for _, v := range a.Values {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	for _, re := range a.compiled {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

// Empty reports whether the allowlist has no entries.
func (a *Allowlist) Empty() bool {
	return a == nil || (len(a.Regexes) == 0 && len(a.Values) == 0)
}
