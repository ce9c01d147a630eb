/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package offsets

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSignedHex parses descriptor-style hex text: an optional sign, an
// optional 0x prefix and base-16 digits. "-0x10" is -16, "1f" is 31.
func ParseSignedHex(s string) (int64, error) {
	neg, mag, err := splitHex(s)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(mag, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrMalformed, s, err)
	}
	if neg {
		if v > 1<<63 {
			return 0, fmt.Errorf("%w: %q: out of range", ErrMalformed, s)
		}
		return -int64(v), nil
	}
	if v > 1<<63-1 {
		return 0, fmt.Errorf("%w: %q: out of range", ErrMalformed, s)
	}
	return int64(v), nil
}

// ParseUnsignedHex parses hex text that must not be negative. A leading '+'
// is accepted.
func ParseUnsignedHex(s string) (uint64, error) {
	neg, mag, err := splitHex(s)
	if err != nil {
		return 0, err
	}
	if neg {
		return 0, fmt.Errorf("%w: %q: negative value", ErrMalformed, s)
	}
	v, err := strconv.ParseUint(mag, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrMalformed, s, err)
	}
	return v, nil
}

func splitHex(s string) (neg bool, mag string, err error) {
	mag = strings.TrimSpace(s)
	if mag == "" {
		return false, "", fmt.Errorf("%w: empty value", ErrMalformed)
	}
	switch mag[0] {
	case '-':
		neg = true
		mag = mag[1:]
	case '+':
		mag = mag[1:]
	}
	if strings.HasPrefix(mag, "0x") || strings.HasPrefix(mag, "0X") {
		mag = mag[2:]
	}
	if mag == "" {
		return false, "", fmt.Errorf("%w: %q: no digits", ErrMalformed, s)
	}
	return neg, mag, nil
}

func formatSigned(v int64) string {
	if v < 0 {
		return fmt.Sprintf("-0x%x", uint64(-v))
	}
	return fmt.Sprintf("0x%x", v)
}
