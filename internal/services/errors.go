package services

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAmountOutOfRange    = errors.New("amount out of range")
	ErrEmailTaken          = errors.New("email already registered")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAlreadyRegistered   = errors.New("already registered for competition")
	ErrNotRegistered       = errors.New("not registered for competition")
	ErrCompetitionFull     = errors.New("competition is full")
	ErrCompetitionClosed   = errors.New("competition is not open")
	ErrUnknownAchievement  = errors.New("unknown achievement")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
