package redis

import "errors"

var (
	ErrEmptyConnectionURL           = errors.New("redis: empty connection URL")
	ErrFailedToParseRedisConnString = errors.New("redis: failed to parse connection URL")
	ErrRedisNotReady                = errors.New("redis: not ready within the connect timeout")
	ErrHealthcheckFailed            = errors.New("redis: ping failed")
)
