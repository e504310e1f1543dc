package libmapper

import "errors"

var (
	ErrFreed         = errors.New("mapper: object has been freed")
	ErrNotLocal      = errors.New("mapper: object is not local")
	ErrBadName       = errors.New("mapper: invalid name")
	ErrNameTaken     = errors.New("mapper: name already used on this device")
	ErrBadType       = errors.New("mapper: signal type must be i, f or d")
	ErrBadLength     = errors.New("mapper: bad vector length")
	ErrBadDirection  = errors.New("mapper: bad signal direction")
	ErrNoEndpoints   = errors.New("mapper: map needs sources and a destination")
	ErrMapLoop       = errors.New("mapper: map destination is also a source")
	ErrMapReleased   = errors.New("mapper: map has been released")
	ErrTooManySource = errors.New("mapper: too many map sources")
	ErrMapTokens     = errors.New("mapper: expression tokens do not match the signals")
	ErrUnknownSignal = errors.New("mapper: unknown signal")
	ErrMalformed     = errors.New("mapper: malformed record")
	ErrStaleRecord   = errors.New("mapper: record older than known state")
)
