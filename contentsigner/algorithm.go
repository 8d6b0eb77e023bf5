package contentsigner

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/cryptotoken"
	"github.com/effective-security/xtoken/oid"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Algorithm is a signature algorithm
type Algorithm int

// Signature algorithms
const (
	UnknownAlgorithm Algorithm = iota
	SHA1WithRSA
	SHA224WithRSA
	SHA256WithRSA
	SHA384WithRSA
	SHA512WithRSA
	SHA256WithRSAPSS
	SHA384WithRSAPSS
	SHA512WithRSAPSS
	ECDSAWithSHA1
	ECDSAWithSHA224
	ECDSAWithSHA256
	ECDSAWithSHA384
	ECDSAWithSHA512
	PlainECDSAWithSHA1
	PlainECDSAWithSHA224
	PlainECDSAWithSHA256
	PlainECDSAWithSHA384
	PlainECDSAWithSHA512
	DSAWithSHA1
	DSAWithSHA224
	DSAWithSHA256
	PlainDSAWithSHA1
	PlainDSAWithSHA224
	PlainDSAWithSHA256
)

type algorithmInfo struct {
	name      string
	oid       asn1.ObjectIdentifier
	hash      crypto.Hash
	mechanism cryptotoken.Mechanism
	x509      x509.SignatureAlgorithm
}

// plain DSA has no registered OID
var algorithms = map[Algorithm]algorithmInfo{
	SHA1WithRSA:          {"SHA1-RSA", oid.SHA1WithRSA, crypto.SHA1, cryptotoken.RSAPKCS1, x509.SHA1WithRSA},
	SHA224WithRSA:        {"SHA224-RSA", oid.SHA224WithRSA, crypto.SHA224, cryptotoken.RSAPKCS1, x509.UnknownSignatureAlgorithm},
	SHA256WithRSA:        {"SHA256-RSA", oid.SHA256WithRSA, crypto.SHA256, cryptotoken.RSAPKCS1, x509.SHA256WithRSA},
	SHA384WithRSA:        {"SHA384-RSA", oid.SHA384WithRSA, crypto.SHA384, cryptotoken.RSAPKCS1, x509.SHA384WithRSA},
	SHA512WithRSA:        {"SHA512-RSA", oid.SHA512WithRSA, crypto.SHA512, cryptotoken.RSAPKCS1, x509.SHA512WithRSA},
	SHA256WithRSAPSS:     {"SHA256-RSAPSS", oid.RSASSAPSS, crypto.SHA256, cryptotoken.RSAPSS, x509.SHA256WithRSAPSS},
	SHA384WithRSAPSS:     {"SHA384-RSAPSS", oid.RSASSAPSS, crypto.SHA384, cryptotoken.RSAPSS, x509.SHA384WithRSAPSS},
	SHA512WithRSAPSS:     {"SHA512-RSAPSS", oid.RSASSAPSS, crypto.SHA512, cryptotoken.RSAPSS, x509.SHA512WithRSAPSS},
	ECDSAWithSHA1:        {"ECDSA-SHA1", oid.ECDSAWithSHA1, crypto.SHA1, cryptotoken.ECDSAX962, x509.ECDSAWithSHA1},
	ECDSAWithSHA224:      {"ECDSA-SHA224", oid.ECDSAWithSHA224, crypto.SHA224, cryptotoken.ECDSAX962, x509.UnknownSignatureAlgorithm},
	ECDSAWithSHA256:      {"ECDSA-SHA256", oid.ECDSAWithSHA256, crypto.SHA256, cryptotoken.ECDSAX962, x509.ECDSAWithSHA256},
	ECDSAWithSHA384:      {"ECDSA-SHA384", oid.ECDSAWithSHA384, crypto.SHA384, cryptotoken.ECDSAX962, x509.ECDSAWithSHA384},
	ECDSAWithSHA512:      {"ECDSA-SHA512", oid.ECDSAWithSHA512, crypto.SHA512, cryptotoken.ECDSAX962, x509.ECDSAWithSHA512},
	PlainECDSAWithSHA1:   {"PLAIN-ECDSA-SHA1", oid.PlainECDSAWithSHA1, crypto.SHA1, cryptotoken.ECDSAPlain, x509.UnknownSignatureAlgorithm},
	PlainECDSAWithSHA224: {"PLAIN-ECDSA-SHA224", oid.PlainECDSAWithSHA224, crypto.SHA224, cryptotoken.ECDSAPlain, x509.UnknownSignatureAlgorithm},
	PlainECDSAWithSHA256: {"PLAIN-ECDSA-SHA256", oid.PlainECDSAWithSHA256, crypto.SHA256, cryptotoken.ECDSAPlain, x509.UnknownSignatureAlgorithm},
	PlainECDSAWithSHA384: {"PLAIN-ECDSA-SHA384", oid.PlainECDSAWithSHA384, crypto.SHA384, cryptotoken.ECDSAPlain, x509.UnknownSignatureAlgorithm},
	PlainECDSAWithSHA512: {"PLAIN-ECDSA-SHA512", oid.PlainECDSAWithSHA512, crypto.SHA512, cryptotoken.ECDSAPlain, x509.UnknownSignatureAlgorithm},
	DSAWithSHA1:          {"DSA-SHA1", oid.DSAWithSHA1, crypto.SHA1, cryptotoken.DSAX962, x509.DSAWithSHA1},
	DSAWithSHA224:        {"DSA-SHA224", oid.DSAWithSHA224, crypto.SHA224, cryptotoken.DSAX962, x509.UnknownSignatureAlgorithm},
	DSAWithSHA256:        {"DSA-SHA256", oid.DSAWithSHA256, crypto.SHA256, cryptotoken.DSAX962, x509.DSAWithSHA256},
	PlainDSAWithSHA1:     {"PLAIN-DSA-SHA1", nil, crypto.SHA1, cryptotoken.DSAPlain, x509.UnknownSignatureAlgorithm},
	PlainDSAWithSHA224:   {"PLAIN-DSA-SHA224", nil, crypto.SHA224, cryptotoken.DSAPlain, x509.UnknownSignatureAlgorithm},
	PlainDSAWithSHA256:   {"PLAIN-DSA-SHA256", nil, crypto.SHA256, cryptotoken.DSAPlain, x509.UnknownSignatureAlgorithm},
}

func (a Algorithm) info() (algorithmInfo, bool) {
	i, ok := algorithms[a]
	return i, ok
}

func (a Algorithm) String() string {
	if i, ok := a.info(); ok {
		return i.name
	}
	return "unknown"
}

// Hash returns the digest algorithm
func (a Algorithm) Hash() crypto.Hash {
	i, _ := a.info()
	return i.hash
}

// Mechanism returns the token mechanism used for the algorithm
func (a Algorithm) Mechanism() cryptotoken.Mechanism {
	i, _ := a.info()
	return i.mechanism
}

// Family returns the key family required by the algorithm
func (a Algorithm) Family() cryptotoken.KeyFamily {
	return a.Mechanism().Family()
}

// OID returns the signature algorithm identifier, or nil
func (a Algorithm) OID() asn1.ObjectIdentifier {
	i, _ := a.info()
	return i.oid
}

// SignatureAlgorithm returns x509 signature algorithm,
// or x509.UnknownSignatureAlgorithm if the algorithm is not supported by crypto/x509
func (a Algorithm) SignatureAlgorithm() x509.SignatureAlgorithm {
	i, _ := a.info()
	return i.x509
}

// ParseAlgorithm returns Algorithm by name, for example "SHA256-RSA"
func ParseAlgorithm(name string) (Algorithm, error) {
	for a, i := range algorithms {
		if strings.EqualFold(i.name, name) {
			return a, nil
		}
	}
	return UnknownAlgorithm, errors.Errorf("unsupported signature algorithm: %q", name)
}

// AlgorithmIdentifier returns the X.509 AlgorithmIdentifier
func (a Algorithm) AlgorithmIdentifier() (pkix.AlgorithmIdentifier, error) {
	i, ok := a.info()
	if !ok || i.oid == nil {
		return pkix.AlgorithmIdentifier{}, errors.Errorf("no algorithm identifier for %s", a)
	}

	ai := pkix.AlgorithmIdentifier{Algorithm: i.oid}
	switch i.mechanism {
	case cryptotoken.RSAPKCS1:
		ai.Parameters = asn1.NullRawValue
	case cryptotoken.RSAPSS:
		params, err := pssParameters(i.hash)
		if err != nil {
			return pkix.AlgorithmIdentifier{}, err
		}
		ai.Parameters = asn1.RawValue{FullBytes: params}
	}
	return ai, nil
}

var hashOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   oid.SHA1,
	crypto.SHA224: oid.SHA224,
	crypto.SHA256: oid.SHA256,
	crypto.SHA384: oid.SHA384,
	crypto.SHA512: oid.SHA512,
}

// pssParameters returns RSASSA-PSS-params with MGF1 of the same hash,
// and salt length of the hash size
func pssParameters(hash crypto.Hash) ([]byte, error) {
	hashOID, ok := hashOIDs[hash]
	if !ok {
		return nil, errors.Errorf("unsupported hash: %v", hash)
	}
	hashAlgorithm := func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(hashOID)
			b.AddASN1NULL()
		})
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.Tag(0).Constructed().ContextSpecific(), hashAlgorithm)
		b.AddASN1(cbasn1.Tag(1).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(oid.MGF1)
				hashAlgorithm(b)
			})
		})
		b.AddASN1(cbasn1.Tag(2).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddASN1Int64(int64(hash.Size()))
		})
	})
	return b.Bytes()
}
