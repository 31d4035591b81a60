package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// packageRe accepts a distribution name with optional extras and version constraint,
// e.g. "numpy", "pandas>=2.0", "requests[socks]==2.31.0".
var packageRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*(\[[A-Za-z0-9,._-]+\])?((==|>=|<=|~=|!=|>|<)[A-Za-z0-9.*+!_-]+)?$`)

// ValidatePackages rejects anything that is not a plain requirement specifier.
// Specs end up inside a shell command in the container.
func ValidatePackages(pkgs []string) error {
	for _, p := range pkgs {
		if !packageRe.MatchString(p) {
			return fmt.Errorf("invalid package specifier %q", p)
		}
	}
	return nil
}

// ParsePackageList splits a comma or whitespace separated list, dropping blanks
// and duplicates while keeping order.
func ParsePackageList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
