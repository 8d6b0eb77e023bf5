package pkcs11crypto

import (
	"crypto"
	"crypto/dsa" // nolint: staticcheck
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"math/big"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var oidPublicKeyECDSA = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}

func rsaPublicKey(modulus, exponent []byte) (crypto.PublicKey, error) {
	if len(modulus) == 0 || len(exponent) == 0 {
		return nil, errors.New("RSA public key attributes are not available")
	}
	e := new(big.Int).SetBytes(exponent)
	if !e.IsInt64() || e.Int64() > 1<<31-1 || e.Sign() <= 0 {
		return nil, errors.New("invalid RSA public exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: int(e.Int64()),
	}, nil
}

// ecPublicKey builds SubjectPublicKeyInfo from CKA_EC_PARAMS and CKA_EC_POINT
func ecPublicKey(params, point []byte) (crypto.PublicKey, error) {
	if len(params) == 0 || len(point) == 0 {
		return nil, errors.New("EC public key attributes are not available")
	}

	// CKA_EC_POINT is DER encoded OCTET STRING,
	// some libraries return the raw point
	raw := point
	in := cryptobyte.String(point)
	var unwrapped cryptobyte.String
	if in.ReadASN1(&unwrapped, cbasn1.OCTET_STRING) && in.Empty() {
		raw = unwrapped
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidPublicKeyECDSA)
			b.AddBytes(params)
		})
		b.AddASN1BitString(raw)
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to parse EC public key")
	}
	return pub, nil
}

func dsaPublicKey(p, q, g, y []byte) (crypto.PublicKey, error) {
	if len(p) == 0 || len(q) == 0 || len(g) == 0 || len(y) == 0 {
		return nil, errors.New("DSA public key attributes are not available")
	}
	return &dsa.PublicKey{
		Parameters: dsa.Parameters{
			P: new(big.Int).SetBytes(p),
			Q: new(big.Int).SetBytes(q),
			G: new(big.Int).SetBytes(g),
		},
		Y: new(big.Int).SetBytes(y),
	}, nil
}
