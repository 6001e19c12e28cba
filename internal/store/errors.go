package store

import "errors"

var (
	ErrClinicNotFound  = errors.New("clinic not found")
	ErrTurnNotFound    = errors.New("turn not found")
	ErrNoTurn          = errors.New("no turn available")
	ErrInvalidState    = errors.New("invalid turn state")
	ErrInvalidAction   = errors.New("unknown turn action")
	ErrSessionNotFound = errors.New("session not found")
)
