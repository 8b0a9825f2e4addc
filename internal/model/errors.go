package model

import "errors"

// ErrInvalidRequest wraps every validation failure of an incoming request.
var ErrInvalidRequest = errors.New("invalid request")
