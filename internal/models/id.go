package models

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidID is returned for room/message codes that are not positive decimals.
var ErrInvalidID = errors.New("invalid id")

// FormatID renders a sequence value as the short zero-padded code used on the wire.
func FormatID(seq int64) string {
	return fmt.Sprintf("%05d", seq)
}

// ParseID is the inverse of FormatID. Padding is optional; signs and spaces are not.
func ParseID(code string) (int64, error) {
	if code == "" {
		return 0, ErrInvalidID
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return 0, ErrInvalidID
		}
	}
	seq, err := strconv.ParseInt(code, 10, 64)
	if err != nil || seq <= 0 {
		return 0, ErrInvalidID
	}
	return seq, nil
}
