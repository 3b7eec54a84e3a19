package billing

import "errors"

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidBody     = errors.New("invalid request body")
	ErrBodyTooLarge    = errors.New("request body too large")
)
