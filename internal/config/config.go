// Package config provides the ambient environment-variable lookup helpers
// runtime.Options is built from; it is internal because no subpackage other
// than pkg/runtime should read the process environment directly.
package config

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Lookup returns the trimmed value of the named environment variable and
// whether it was set at all (distinguishing "unset" from "set to empty").
func Lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	return strings.TrimSpace(v), ok
}

// Bool parses a "0"/"1" environment variable, defaulting to def when unset
// or unparsable.
func Bool(name string, def bool) bool {
	v, ok := Lookup(name)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n != 0
}

// OneOf looks up name and matches its (case-insensitive) value against
// options, returning the matched canonical option and true; def and true if
// unset or empty; or def and false if set to an unrecognized value — callers
// treat unrecognized values as a warning, never a hard failure.
func OneOf(name string, options []string, def string) (string, bool) {
	v, ok := Lookup(name)
	if !ok || v == "" {
		return def, true
	}
	for _, opt := range options {
		if strings.EqualFold(v, opt) {
			return opt, true
		}
	}
	return def, false
}

// PageSize returns the host's memory page size via unix.Getpagesize, used by
// the origin-buffer guard to round scratch-buffer allocations up to a page
// boundary.
func PageSize() int {
	return unix.Getpagesize()
}
