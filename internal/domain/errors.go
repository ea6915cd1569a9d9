package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrDuplicateEvent    = errors.New("event already processed")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidSignal     = errors.New("invalid signal")
	ErrInvalidOrder      = errors.New("invalid order parameters")
	ErrQuantityTooSmall  = errors.New("order quantity too small")
	ErrPriceUnavailable  = errors.New("could not determine price")
	ErrPositionOpen      = errors.New("position already open")
	ErrAllAccountsFailed = errors.New("all accounts failed")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrLockHeld          = errors.New("lock already held")
	ErrUnsupported       = errors.New("not supported")
)
