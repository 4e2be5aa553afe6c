package pgstore

import "errors"

var (
	ErrInsert     = errors.New("pgstore: failed to insert")
	ErrQuery      = errors.New("pgstore: failed to query")
	ErrUpdate     = errors.New("pgstore: failed to update")
	ErrEncode     = errors.New("pgstore: failed to encode json column")
	ErrDecode     = errors.New("pgstore: failed to decode json column")
	ErrMissingKey = errors.New("pgstore: notification id and recipient id are required")
)
