package session

import "errors"

var (
	ErrRecordNotFound = errors.New("session: peer record not found")
	ErrStoreClosed    = errors.New("session: store is closed")
)
