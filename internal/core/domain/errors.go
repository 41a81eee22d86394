package domain

import "errors"

var (
	ErrPeerNotFound     = errors.New("peer not found")
	ErrNotConnected     = errors.New("peer not connected")
	ErrRelayUnavailable = errors.New("relay unavailable")
)
