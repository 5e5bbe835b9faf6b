// Package fmtt holds small formatting helpers for dev-time diagnostics.
package fmtt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/davecgh/go-spew/spew"
)

// ErrChain renders every layer of an error chain, one line per layer with
// its concrete type. Useful when a wrapped sentinel hides where a failure
// actually originated.
func ErrChain(err error) string {
	if err == nil {
		return "<nil>"
	}

	var b strings.Builder
	i := 0
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "[%d] %T: %v\n", i, e, e)
		i++
	}
	return b.String()
}

// DumpErrChain prints each layer of the chain with a full value dump.
// Dev-only; the output is far too noisy for production logs.
func DumpErrChain(err error) {
	i := 0
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Printf("[%d] %T: %v\n", i, e, e)
		spew.Dump(e)
		i++
	}
}
