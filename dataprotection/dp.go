// Package dataprotection protects key material at rest.
//
// A protected blob is bound to its associated data, for example the key identifier,
// and fails to open with any other.
package dataprotection

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Provider protects data with authenticated encryption
type Provider interface {
	// Protect returns protected blob bound to the associated data
	Protect(ctx context.Context, data, ad []byte) ([]byte, error)
	// Unprotect returns unprotected data, the associated data must match
	Unprotect(ctx context.Context, protected, ad []byte) ([]byte, error)
}

var encoding = base64.RawURLEncoding

// ProtectObject returns protected JSON of the object in base64url encoded format
func ProtectObject(ctx context.Context, p Provider, v any, ad []byte) (string, error) {
	js, err := json.Marshal(v)
	if err != nil {
		return "", errors.WithMessage(err, "failed to marshal")
	}
	blob, err := p.Protect(ctx, js, ad)
	if err != nil {
		return "", errors.WithMessage(err, "failed to protect")
	}
	return encoding.EncodeToString(blob), nil
}

// UnprotectObject decodes the value returned by ProtectObject into v
func UnprotectObject(ctx context.Context, p Provider, protected string, ad []byte, v any) error {
	blob, err := encoding.DecodeString(protected)
	if err != nil {
		return errors.WithMessage(err, "failed to base64 decode")
	}
	js, err := p.Unprotect(ctx, blob, ad)
	if err != nil {
		return errors.WithMessage(err, "failed to unprotect data")
	}
	if err = json.Unmarshal(js, v); err != nil {
		return errors.WithMessage(err, "failed to unmarshal")
	}
	return nil
}
