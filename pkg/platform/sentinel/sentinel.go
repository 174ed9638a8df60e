package sentinel

import "errors"

// Facts reported by stores. Callers wrap or translate them into domain errors;
// they never describe bad input.
//
//   - ErrNotFound: no tenant, identity, grant or key under that lookup
//   - ErrExpired: the record exists but its lifetime has passed
//   - ErrAlreadyUsed: a one-shot value (jti, authorization code) was seen before
//   - ErrUnavailable: the backing store could not be reached
var (
	ErrNotFound    = errors.New("not found")
	ErrExpired     = errors.New("expired")
	ErrAlreadyUsed = errors.New("already used")
	ErrUnavailable = errors.New("unavailable")
)
