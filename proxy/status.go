package proxy

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/cryptotoken"
)

// Status is the result code carried by the transport
type Status int

// Statuses
const (
	StatusOK Status = iota
	StatusBadRequest
	StatusUnknownIdentity
	StatusMechanismMismatch
	StatusPadding
	StatusNotInitialized
	StatusCommunication
	StatusSigningFailed
	StatusInternal
)

var statusNames = map[Status]string{
	StatusOK:                "ok",
	StatusBadRequest:        "bad_request",
	StatusUnknownIdentity:   "unknown_identity",
	StatusMechanismMismatch: "mechanism_mismatch",
	StatusPadding:           "padding",
	StatusNotInitialized:    "not_initialized",
	StatusCommunication:     "communication",
	StatusSigningFailed:     "signing_failed",
	StatusInternal:          "internal",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status_%d", int(s))
}

// the order matters: ErrIdentityClosed also matches ErrNotInitialized
var statusErrors = []struct {
	status Status
	err    error
}{
	{StatusBadRequest, ErrMalformed},
	{StatusUnknownIdentity, cryptotoken.ErrUnknownIdentity},
	{StatusMechanismMismatch, cryptotoken.ErrMechanismMismatch},
	{StatusPadding, cryptotoken.ErrPadding},
	{StatusNotInitialized, cryptotoken.ErrNotInitialized},
	{StatusCommunication, cryptotoken.ErrBackendCommunication},
	{StatusSigningFailed, cryptotoken.ErrSigning},
}

// StatusOf returns the wire status of the error
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	for _, se := range statusErrors {
		if errors.Is(err, se.err) {
			return se.status
		}
	}
	return StatusInternal
}

// StatusError returns error for the status received from the server,
// marked with the error of the status
func StatusError(status Status, msg string) error {
	if status == StatusOK {
		return nil
	}
	err := errors.Newf("remote %s: %s", status, msg)
	for _, se := range statusErrors {
		if se.status == status {
			return errors.Mark(err, se.err)
		}
	}
	return err
}
