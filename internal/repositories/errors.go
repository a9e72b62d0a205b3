package repositories

import (
	"errors"
	"fmt"
)

var (
	ErrChatNotFound        = errors.New("chat not found")
	ErrStorage             = errors.New("storage failure")
	ErrInvalidParticipants = errors.New("invalid participants")
)

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
