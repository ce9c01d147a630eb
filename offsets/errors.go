/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package offsets

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingKey matches lookups of keys that were never recorded.
	ErrMissingKey = errors.New("missing key")

	// ErrInvalidKey matches lookups of keys explicitly marked as absent for a version.
	ErrInvalidKey = errors.New("invalid key")

	// ErrMalformed matches textual values that could not be parsed.
	ErrMalformed = errors.New("malformed value")
)

// KeyKind distinguishes the two ways a lookup can fail.
type KeyKind uint8

const (
	KeyMissing KeyKind = iota
	KeyInvalid
)

func (k KeyKind) String() string {
	if k == KeyInvalid {
		return "invalid"
	}
	return "missing"
}

// KeyError is returned by every typed getter of a Group, and by the lookup
// tables of a descriptor.
type KeyError struct {
	Group string // qualified name of the group that was searched
	Table string // "offset", "address", "hexvalue", "string", "group", ...
	Key   string
	Kind  KeyKind
}

func (e *KeyError) Error() string {
	where := e.Group
	if where == "" {
		where = "<root>"
	}
	return fmt.Sprintf("%s %s %q in %s", e.Kind, e.Table, e.Key, where)
}

func (e *KeyError) Is(target error) bool {
	switch target {
	case ErrMissingKey:
		return e.Kind == KeyMissing
	case ErrInvalidKey:
		return e.Kind == KeyInvalid
	}
	return false
}

// IsMissing reports whether err is a lookup of a key that was never recorded.
func IsMissing(err error) bool {
	return errors.Is(err, ErrMissingKey)
}

// IsInvalid reports whether err is a lookup of a key known to be absent.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidKey)
}
