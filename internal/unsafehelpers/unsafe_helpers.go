// Package unsafehelpers centralises the module's few unavoidable uses of the
// `unsafe` standard-library package so the rest of the tree stays clean and
// easy to audit.
package unsafehelpers

import "unsafe"

// BytesToString converts a mutable byte slice to an immutable string without
// allocating. The caller must guarantee that b is never modified for the
// lifetime of the resulting string. b must be non-empty.
//
// Used by internal/wire's frame decoder, which runs on every request a host
// receives and never touches the backing payload again afterward.
func BytesToString(b []byte) string {
	return unsafe.String(&b[0], len(b))
}
