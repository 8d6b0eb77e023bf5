package contentsigner

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/cryptotoken"
	"github.com/golang-jwt/jwt/v5"
)

// JWS algorithms; ECDSA signatures are r||s
var jwsAlgorithms = map[string]Algorithm{
	"RS256": SHA256WithRSA,
	"RS384": SHA384WithRSA,
	"RS512": SHA512WithRSA,
	"PS256": SHA256WithRSAPSS,
	"PS384": SHA384WithRSAPSS,
	"PS512": SHA512WithRSAPSS,
	"ES256": PlainECDSAWithSHA256,
	"ES384": PlainECDSAWithSHA384,
	"ES512": PlainECDSAWithSHA512,
}

// JWSAlgorithm returns the default JWS algorithm for the Identity:
// RS256, RS384 or RS512 by RSA key size, ES256, ES384 or ES512 by curve
func JWSAlgorithm(id *cryptotoken.Identity) (string, error) {
	switch pub := id.PublicKey().(type) {
	case *rsa.PublicKey:
		bits := pub.N.BitLen()
		switch {
		case bits >= 4096:
			return "RS512", nil
		case bits >= 3072:
			return "RS384", nil
		}
		return "RS256", nil
	case *ecdsa.PublicKey:
		switch pub.Curve {
		case elliptic.P521():
			return "ES512", nil
		case elliptic.P384():
			return "ES384", nil
		case elliptic.P256():
			return "ES256", nil
		}
	}
	return "", errors.Wrapf(cryptotoken.ErrAlgorithmMismatch, "JWS is not supported for %s key", id.Family())
}

// SigningMethod implements jwt.SigningMethod with the token Identity,
// the key argument of Sign is ignored
type SigningMethod struct {
	alg    string
	signer *Signer
	verify jwt.SigningMethod
}

var _ jwt.SigningMethod = (*SigningMethod)(nil)

// NewSigningMethod returns SigningMethod for JWS algorithm,
// if alg is empty then JWSAlgorithm of the Identity is used
func NewSigningMethod(alg string, id *cryptotoken.Identity, backend Backend) (*SigningMethod, error) {
	if alg == "" {
		var err error
		if alg, err = JWSAlgorithm(id); err != nil {
			return nil, err
		}
	}
	a, ok := jwsAlgorithms[alg]
	if !ok {
		return nil, errors.Wrapf(cryptotoken.ErrAlgorithmMismatch, "unsupported JWS algorithm: %s", alg)
	}
	if a == PlainECDSAWithSHA256 || a == PlainECDSAWithSHA384 || a == PlainECDSAWithSHA512 {
		// JWS requires the curve of the hash size
		if expected, err := JWSAlgorithm(id); err != nil || expected != alg {
			return nil, errors.Wrapf(cryptotoken.ErrAlgorithmMismatch, "%s can not be used with the key", alg)
		}
	}
	signer, err := NewBuilder(a, backend).Build(id)
	if err != nil {
		return nil, err
	}
	return &SigningMethod{
		alg:    alg,
		signer: signer,
		verify: jwt.GetSigningMethod(alg),
	}, nil
}

// Alg returns JWS algorithm
func (m *SigningMethod) Alg() string {
	return m.alg
}

// Signer returns the content signer
func (m *SigningMethod) Signer() *Signer {
	return m.signer
}

// Sign returns the signature of the signing string
func (m *SigningMethod) Sign(signingString string, _ any) ([]byte, error) {
	return m.signer.SignData(context.Background(), []byte(signingString))
}

// Verify verifies the signature with the key,
// if the key is nil then the public key of the Identity is used
func (m *SigningMethod) Verify(signingString string, sig []byte, key any) error {
	if key == nil {
		key = m.signer.Public()
	}
	return m.verify.Verify(signingString, sig, key)
}

// SignToken returns signed JWT with the claims and additional headers
func (m *SigningMethod) SignToken(claims jwt.Claims, headers map[string]any) (string, error) {
	t := jwt.NewWithClaims(m, claims)
	for k, v := range headers {
		t.Header[k] = v
	}
	s, err := t.SignedString(nil)
	if err != nil {
		return "", errors.WithMessage(err, "failed to sign token")
	}
	return s, nil
}
