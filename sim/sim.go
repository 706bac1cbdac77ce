// Package sim provides the primitives shared by every component of the
// emulator: named objects, hooks, FIFO buffers, frequency math, and ID
// generation.
package sim

import (
	"fmt"
	"regexp"
)

// A Named object is an object that has a name.
type Named interface {
	Name() string
}

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_\-:\[\]]+(\.[a-zA-Z0-9_\-:\[\]]+)*$`)

// NameMustBeValid panics if the given name is not a dot-separated sequence of
// identifier tokens.
func NameMustBeValid(name string) {
	if !namePattern.MatchString(name) {
		panic(fmt.Sprintf("invalid name %q", name))
	}
}
