package cryptotoken

import (
	"crypto"
	"crypto/dsa" // nolint: staticcheck
	"crypto/ecdsa"
	"crypto/rsa"
	"strings"

	"github.com/cockroachdb/errors"
)

// Mechanism specifies the signature mechanism
type Mechanism int

// Mechanisms
const (
	// RSAX509 is raw RSA: the input is the block to be signed
	RSAX509 Mechanism = iota + 1
	// RSAPKCS1 pads the input with PKCS#1 v1.5 block type 1
	RSAPKCS1
	// RSAPSS signs the digest with EMSA-PSS encoding
	RSAPSS
	// ECDSAPlain returns r||s signature
	ECDSAPlain
	// ECDSAX962 returns DER encoded signature
	ECDSAX962
	// DSAPlain returns r||s signature
	DSAPlain
	// DSAX962 returns DER encoded signature
	DSAX962
)

var mechanismNames = map[Mechanism]string{
	RSAX509:    "RSA_X509",
	RSAPKCS1:   "RSA_PKCS1",
	RSAPSS:     "RSA_PSS",
	ECDSAPlain: "ECDSA_PLAIN",
	ECDSAX962:  "ECDSA_X962",
	DSAPlain:   "DSA_PLAIN",
	DSAX962:    "DSA_X962",
}

// AllMechanisms returns all supported mechanisms
func AllMechanisms() []Mechanism {
	return []Mechanism{RSAX509, RSAPKCS1, RSAPSS, ECDSAPlain, ECDSAX962, DSAPlain, DSAX962}
}

func (m Mechanism) String() string {
	if s, ok := mechanismNames[m]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseMechanism returns Mechanism by name
func ParseMechanism(s string) (Mechanism, error) {
	name := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for m, n := range mechanismNames {
		if n == name {
			return m, nil
		}
	}
	return 0, errors.Errorf("unsupported mechanism: %q", s)
}

// MarshalText encodes the mechanism name
func (m Mechanism) MarshalText() ([]byte, error) {
	if _, ok := mechanismNames[m]; !ok {
		return nil, errors.Errorf("unsupported mechanism: %d", m)
	}
	return []byte(m.String()), nil
}

// UnmarshalText decodes the mechanism name
func (m *Mechanism) UnmarshalText(text []byte) error {
	v, err := ParseMechanism(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Family returns the key family the mechanism applies to
func (m Mechanism) Family() KeyFamily {
	switch m {
	case RSAX509, RSAPKCS1, RSAPSS:
		return FamilyRSA
	case ECDSAPlain, ECDSAX962:
		return FamilyEC
	case DSAPlain, DSAX962:
		return FamilyDSA
	}
	return FamilyUnknown
}

// IsPlain returns true for DSS mechanisms with r||s output
func (m Mechanism) IsPlain() bool {
	return m == ECDSAPlain || m == DSAPlain
}

// KeyFamily specifies the public key algorithm
type KeyFamily int

// Key families
const (
	FamilyUnknown KeyFamily = iota
	FamilyRSA
	FamilyEC
	FamilyDSA
)

func (f KeyFamily) String() string {
	switch f {
	case FamilyRSA:
		return "RSA"
	case FamilyEC:
		return "EC"
	case FamilyDSA:
		return "DSA"
	}
	return "UNKNOWN"
}

// FamilyOf returns the key family and the signature key size in bits:
// RSA modulus, EC curve size, or DSA subgroup order.
func FamilyOf(pub crypto.PublicKey) (KeyFamily, int, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return FamilyRSA, k.N.BitLen(), nil
	case *ecdsa.PublicKey:
		return FamilyEC, k.Curve.Params().BitSize, nil
	case *dsa.PublicKey:
		return FamilyDSA, k.Q.BitLen(), nil
	}
	return FamilyUnknown, 0, errors.Errorf("unsupported public key: %T", pub)
}
