package domain

import "errors"

var (
	ErrHostUnset  = errors.New("upstream host not set")
	ErrSinkClosed = errors.New("sink closed")
	ErrSinkFull   = errors.New("sink buffer full")
)
