// Package ustr implements the lightweight byte-string path type used by
// the namespace and process cwd handling, avoiding the allocation churn
// of repeated string concatenation for path manipulation.
package ustr

import "strings"

// Ustr is an immutable-by-convention path string.
type Ustr []byte

// Mk converts a Go string to a Ustr.
func Mk(s string) Ustr { return Ustr(s) }

// MkFromNulTerminated truncates buf at the first NUL byte.
func MkFromNulTerminated(buf []byte) Ustr {
	if i := strings.IndexByte(string(buf), 0); i >= 0 {
		return Ustr(buf[:i])
	}
	return Ustr(buf)
}

// Eq reports byte-for-byte equality.
func (us Ustr) Eq(o Ustr) bool {
	return string(us) == string(o)
}

// IsAbsolute reports whether the path begins with '/' or a namespace
// root sigil '$'.
func (us Ustr) IsAbsolute() bool {
	if len(us) == 0 {
		return false
	}
	return us[0] == '/' || us[0] == '$'
}

// Extend appends a '/'-separated component.
func (us Ustr) Extend(p Ustr) Ustr {
	out := make(Ustr, 0, len(us)+1+len(p))
	out = append(out, us...)
	out = append(out, '/')
	out = append(out, p...)
	return out
}

// ExtendStr is Extend taking a Go string.
func (us Ustr) ExtendStr(p string) Ustr {
	return us.Extend(Ustr(p))
}

// String renders the Ustr as a Go string.
func (us Ustr) String() string {
	return string(us)
}

// Root returns the Ustr for "/".
func Root() Ustr { return Ustr("/") }
