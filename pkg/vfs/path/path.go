// Package path canonicalizes absolute VFS paths: collapsing "." segments,
// resolving ".." without climbing past the root, and stripping duplicate or
// trailing separators.
package path

import "strings"

// Separator is the VFS path separator.
const Separator = "/"

// Canonicalize rewrites p into its canonical absolute form. It is
// idempotent: Canonicalize(Canonicalize(p)) == Canonicalize(p).
func Canonicalize(p string) string {
	segments := strings.Split(p, Separator)
	stack := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, seg)
		}
	}
	return Separator + strings.Join(stack, Separator)
}

// IsAbsolute reports whether p begins with the VFS separator.
func IsAbsolute(p string) bool {
	return strings.HasPrefix(p, Separator)
}

// Join canonicalizes base joined with elem, used to resolve a path relative
// to a process's working directory.
func Join(base, elem string) string {
	if IsAbsolute(elem) {
		return Canonicalize(elem)
	}
	return Canonicalize(base + Separator + elem)
}

// Dir returns the canonical parent of p.
func Dir(p string) string {
	return Join(Canonicalize(p), "..")
}

// Base returns the final path component of p.
func Base(p string) string {
	c := Canonicalize(p)
	if c == Separator {
		return Separator
	}
	idx := strings.LastIndex(c, Separator)
	return c[idx+1:]
}
