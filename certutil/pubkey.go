package certutil

import (
	"crypto"
	"crypto/dsa" // nolint: staticcheck
	"crypto/x509"
	"encoding/asn1"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var oidPublicKeyDSA = asn1.ObjectIdentifier{1, 2, 840, 10040, 4, 1}

// MarshalPKIXPublicKey returns DER encoded SubjectPublicKeyInfo,
// in addition to the keys supported by crypto/x509 it encodes DSA keys
func MarshalPKIXPublicKey(pub crypto.PublicKey) ([]byte, error) {
	k, ok := pub.(*dsa.PublicKey)
	if !ok {
		der, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return der, nil
	}
	if k.P == nil || k.Q == nil || k.G == nil || k.Y == nil {
		return nil, errors.New("invalid DSA public key")
	}

	var y cryptobyte.Builder
	y.AddASN1BigInt(k.Y)
	yDER, err := y.Bytes()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidPublicKeyDSA)
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1BigInt(k.P)
				b.AddASN1BigInt(k.Q)
				b.AddASN1BigInt(k.G)
			})
		})
		b.AddASN1BitString(yDER)
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return der, nil
}
