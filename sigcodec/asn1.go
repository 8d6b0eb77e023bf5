package sigcodec

import (
	"math/big"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// MarshalASN1 returns DER encoded SEQUENCE { INTEGER r, INTEGER s }
func MarshalASN1(r, s *big.Int) ([]byte, error) {
	if r == nil || s == nil || r.Sign() < 0 || s.Sign() < 0 {
		return nil, errors.Wrap(ErrEncoding, "signature components must be non-negative")
	}
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return der, nil
}

// UnmarshalASN1 parses DER encoded SEQUENCE { INTEGER r, INTEGER s }
func UnmarshalASN1(der []byte) (r, s *big.Int, err error) {
	input := cryptobyte.String(der)
	var inner cryptobyte.String
	r, s = new(big.Int), new(big.Int)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, nil, errors.Wrap(ErrEncoding, "malformed DSS signature")
	}
	if r.Sign() < 0 || s.Sign() < 0 {
		return nil, nil, errors.Wrap(ErrEncoding, "negative DSS signature component")
	}
	return r, s, nil
}

// PlainToASN1 converts plain r||s signature to X9.62 DER form.
// The plain signature must have even length.
func PlainToASN1(plain []byte) ([]byte, error) {
	if len(plain) == 0 || len(plain)%2 != 0 {
		return nil, errors.Wrapf(ErrEncoding, "invalid plain signature length: %d", len(plain))
	}
	n := len(plain) / 2
	r := new(big.Int).SetBytes(plain[:n])
	s := new(big.Int).SetBytes(plain[n:])
	return MarshalASN1(r, s)
}

// ASN1ToPlain converts X9.62 DER signature to plain r||s form,
// where each component is left-padded to componentLen bytes.
func ASN1ToPlain(der []byte, componentLen int) ([]byte, error) {
	r, s, err := UnmarshalASN1(der)
	if err != nil {
		return nil, err
	}
	return PlainFromInts(r, s, componentLen)
}

// PlainFromInts returns r||s with each component left-padded to componentLen bytes
func PlainFromInts(r, s *big.Int, componentLen int) ([]byte, error) {
	if componentLen <= 0 {
		return nil, errors.Wrapf(ErrEncoding, "invalid component length: %d", componentLen)
	}
	maxBits := componentLen * 8
	if r.BitLen() > maxBits || s.BitLen() > maxBits {
		return nil, errors.Wrapf(ErrEncoding, "signature component exceeds %d bytes", componentLen)
	}
	plain := make([]byte, 2*componentLen)
	r.FillBytes(plain[:componentLen])
	s.FillBytes(plain[componentLen:])
	return plain, nil
}
