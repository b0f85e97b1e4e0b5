package messages

import "errors"

var (
	ErrInflightFull   = errors.New("inflight tracker full")
	ErrQueueFull      = errors.New("offline queue full")
	ErrPacketNotFound = errors.New("packet not found in inflight")
)
