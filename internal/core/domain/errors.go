package domain

import "errors"

var (
	ErrSessionActive  = errors.New("a capture session is already running")
	ErrZeroDimensions = errors.New("video setup has zero width or height")
	ErrNoConnections  = errors.New("no target connections")
)
