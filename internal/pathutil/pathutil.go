// Package pathutil parses and validates the slash-separated paths the
// filesystem's external interface accepts, adapted from the teacher's path
// normalizer. Unlike the teacher's Normalize (which forbids ".." outright,
// since disk-image paths are never relative to a shell-style working
// directory), this version passes "." and ".." through unchanged: Pintos
// resolves them the same way as every other component, by looking up a
// literal directory entry named "." or ".." (installed at mkdir time), not
// by path-string rewriting. So the only job left here is splitting and
// per-component validation, not collapsing.
package pathutil

import "fmt"

// NameMax is the longest a single path component may be. It is kept equal
// to directory.NameMax by hand; this package does not import directory.
const NameMax = 14

// Split validates raw and splits it on '/' into ordered, non-empty
// components. absolute reports whether raw began with '/'. An empty raw
// string is the empty relative path (interpreted by the caller as "the
// current directory"); a string made only of slashes is absolute with no
// components (the root).
func Split(raw string) (absolute bool, parts []string, err error) {
	if raw == "" {
		return false, nil, nil
	}
	if raw[0] == '/' {
		absolute = true
	}

	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == '/' {
			if i > start {
				seg := raw[start:i]
				if err := validateComponent(seg); err != nil {
					return false, nil, err
				}
				parts = append(parts, seg)
			}
			start = i + 1
		}
	}
	return absolute, parts, nil
}

func validateComponent(seg string) error {
	if len(seg) > NameMax {
		return fmt.Errorf("pathutil: component %q exceeds %d bytes", seg, NameMax)
	}
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if c < 0x20 || c == 0x7F {
			return fmt.Errorf("pathutil: control byte in component %q", seg)
		}
	}
	return nil
}

// Join reassembles components into a slash-separated path, for error
// messages and logging; it does not re-validate them.
func Join(absolute bool, parts []string) string {
	s := ""
	if absolute {
		s = "/"
	}
	for i, p := range parts {
		if i > 0 {
			s += "/"
		}
		s += p
	}
	if s == "" {
		s = "."
	}
	return s
}
