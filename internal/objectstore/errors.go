package objectstore

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a non-2xx response from the object store.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("object store responded %d", e.StatusCode)
	}
	return fmt.Sprintf("object store responded %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *StatusError) Permanent() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return false
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return true
	case e.StatusCode == http.StatusNotImplemented, e.StatusCode == http.StatusHTTPVersionNotSupported:
		return true
	default:
		return false
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent classifies an upload error. Transport failures and unclassified errors are transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var marked *permanentError
	if errors.As(err, &marked) {
		return true
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Permanent()
	}
	return false
}
