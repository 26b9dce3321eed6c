package model

import (
	"errors"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrEmptyRequest   = errors.New("empty request")
)
