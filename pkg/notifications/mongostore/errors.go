package mongostore

import "errors"

var (
	ErrInsert     = errors.New("mongostore: failed to insert")
	ErrQuery      = errors.New("mongostore: failed to query")
	ErrUpdate     = errors.New("mongostore: failed to update")
	ErrIndexes    = errors.New("mongostore: failed to create indexes")
	ErrMissingKey = errors.New("mongostore: notification id and recipient id are required")
)
