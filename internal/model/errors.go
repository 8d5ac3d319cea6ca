package model

import (
	"errors"
)

var (
	ErrMalformed      = errors.New("malformed request")
	ErrUnknownRequest = errors.New("unknown request type")
	ErrUnknownSignal  = errors.New("unknown signal type")
)
