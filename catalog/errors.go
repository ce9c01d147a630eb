/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package catalog

import (
	"fmt"
	"strings"
)

// MalformedError reports an entry that could not be parsed. Only that entry
// is dropped.
type MalformedError struct {
	Entry string // id, or position when the entry has none
	Err   error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("entry %s: malformed: %v", e.Entry, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// ReferenceError reports an entry whose base entry does not exist or did not
// resolve. Err is nil when the base does not exist at all.
type ReferenceError struct {
	Entry string
	Base  string
	Err   error
}

func (e *ReferenceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("entry %q: base entry %q does not exist", e.Entry, e.Base)
	}
	return fmt.Sprintf("entry %q: base entry %q failed: %v", e.Entry, e.Base, e.Err)
}

func (e *ReferenceError) Unwrap() error {
	return e.Err
}

// CycleError reports a chain of entries deriving from each other. The first
// and last element of Chain are the same entry.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("derivation cycle: %s", strings.Join(e.Chain, " -> "))
}
