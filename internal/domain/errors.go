package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrRateLimited    = errors.New("rate limited")
	ErrClientRejected = errors.New("request rejected by server")
	ErrRPCTimeout     = errors.New("rpc call timed out")
	ErrConnClosed     = errors.New("connection closed")
	ErrLockHeld       = errors.New("lock already held")
)
