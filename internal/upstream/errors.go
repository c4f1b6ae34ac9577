package upstream

import "errors"

var (
	errAlreadyStarted = errors.New("upstream client already started")
	errNoSession      = errors.New("no active upstream session")
	errInvalidCACert  = errors.New("invalid CA certificate PEM")
)
