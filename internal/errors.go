package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrRateLimited   = errors.New("rate limited")
	ErrBadRequest    = errors.New("bad request")
	ErrModelNotFound = errors.New("model not found")
	ErrNoProvider    = errors.New("no provider available")
	ErrUpstream      = errors.New("upstream error")
	ErrSyncBusy      = errors.New("sync already in progress")
)
