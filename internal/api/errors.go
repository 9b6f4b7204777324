package api

import "errors"

// ErrInvalidRequest marks client mistakes in inspection requests, such as a
// malformed request id. Handlers map it to 400.
var ErrInvalidRequest = errors.New("kvpage: invalid inspection request")

type invalidRequestError struct {
	param string
	msg   string
}

func (e invalidRequestError) Error() string {
	if e.param == "" {
		return e.msg
	}
	return e.param + ": " + e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(param, msg string) error {
	return invalidRequestError{param: param, msg: msg}
}
