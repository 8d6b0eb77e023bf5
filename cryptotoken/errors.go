package cryptotoken

import (
	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/sigcodec"
)

var (
	// ErrMechanismMismatch is returned when a mechanism does not match the key type,
	// or is not supported by the backend.
	ErrMechanismMismatch = errors.New("mechanism is not supported by the key")
	// ErrAlgorithmMismatch is returned when a signature algorithm does not match the key type
	ErrAlgorithmMismatch = errors.New("signature algorithm is not compatible with the key")
	// ErrPadding is returned when the input can not be padded for the key
	ErrPadding = sigcodec.ErrPadding
	// ErrBackendCommunication marks errors caused by lost connection to the token
	ErrBackendCommunication = errors.New("token communication failure")
	// ErrUnknownIdentity is returned when the slot or key can not be found
	ErrUnknownIdentity = errors.New("unknown identity")
	// ErrNotInitialized is returned when the service is not connected to the token
	ErrNotInitialized = errors.New("token is not initialized")
	// ErrSigning is returned when the token failed to produce a signature
	ErrSigning = errors.New("signing failed")
	// ErrIdentityClosed is returned when the Identity belongs to a closed token,
	// it also matches ErrNotInitialized
	ErrIdentityClosed = errors.Mark(errors.New("identity is closed"), ErrNotInitialized)
)

// CommunicationError marks the backend error as communication failure
func CommunicationError(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrBackendCommunication)
}

// IsCommunicationError returns true if the error is caused by lost connection to the token
func IsCommunicationError(err error) bool {
	return errors.Is(err, ErrBackendCommunication)
}

// signingError wraps the backend error into ErrSigning,
// the backend text and communication mark are preserved.
func signingError(err error, format string, args ...any) error {
	return errors.Mark(errors.WithMessagef(err, format, args...), ErrSigning)
}
