package cli

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/effective-security/xtoken/contentsigner"
	"github.com/effective-security/xtoken/cryptotoken"
	jose "github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type tokenSuite struct {
	testSuite
}

func TestTokenSuite(t *testing.T) {
	suite.Run(t, new(tokenSuite))
}

func (s *tokenSuite) TestList() {
	cmd := ListCmd{SlotIndex: -1, SlotID: -1}
	s.Require().NoError(cmd.Run(s.ctl))
	s.HasText("Slot: 0/0x64\n", "  Label:      rsa\n", "  Label:      ec\n",
		"  Type:       RSA 2048\n", "  Type:       EC 256\n", "RSA_PSS", "ECDSA_X962")
	s.HasNoText("Certificates on slot")

	s.Out.Reset()
	cmd = ListCmd{SlotIndex: 1, SlotID: -1}
	s.Require().NoError(cmd.Run(s.ctl))
	s.Equal("no keys found\n", s.Out.String())

	s.Out.Reset()
	cmd = ListCmd{SlotIndex: -1, SlotID: 100, JSON: true}
	s.Require().NoError(cmd.Run(s.ctl))
	var list []cryptotoken.IdentityInfo
	s.Require().NoError(json.Unmarshal(s.Out.Bytes(), &list))
	s.Len(list, 2)
}

func (s *tokenSuite) TestListCerts() {
	// self-signed certificate issued by the token key
	svc, err := s.ctl.Service()
	s.Require().NoError(err)
	id, err := svc.Identity(cryptotoken.SlotByIndex(0), cryptotoken.KeyByLabel("ec"))
	s.Require().NoError(err)
	signer, err := contentsigner.NewBuilder(contentsigner.ECDSAWithSHA256, svc).Build(id)
	s.Require().NoError(err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "hsm-tool"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		UnknownExtKeyUsage:    []asn1.ObjectIdentifier{{1, 3, 6, 1, 4, 1, 57264, 2}},
		Policies:              []x509.OID{mustOID(s.T(), 1, 3, 6, 1, 4, 1, 57264, 1), mustOID(s.T(), 2, 23, 140, 1, 2, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	s.Require().NoError(err)
	crt, err := x509.ParseCertificate(der)
	s.Require().NoError(err)
	s.Require().NoError(s.store.WriteCertificates(slot0, "ec", crt))
	s.Require().NoError(svc.Refresh())

	cmd := ListCmd{SlotIndex: 0, SlotID: -1, Certs: true}
	s.Require().NoError(cmd.Run(s.ctl))
	s.HasText("  Subject:    CN=hsm-tool\n", "Certificates on slot 0/0x64: 1\n",
		"  Usage:     cert sign, crl sign\n", "  CA:        true\n",
		"  Policies:  1.3.6.1.4.1.57264.1, 2.23.140.1.2.1\n")
	s.HasText("  Ext Usage: code signing, 1.3.6.1.4.1.57264.2\n")

	s.Out.Reset()
	pub := PubKeyCmd{KeyFlags: KeyFlags{SlotIndex: -1, SlotID: -1, KeyLabel: "ec"}, Chain: true}
	s.Require().NoError(pub.Run(s.ctl))
	s.HasText("-----BEGIN PUBLIC KEY-----", "#   Subject: CN=hsm-tool", "-----BEGIN CERTIFICATE-----")

	s.Out.Reset()
	pub = PubKeyCmd{KeyFlags: KeyFlags{SlotIndex: -1, SlotID: -1, KeyLabel: "ec"}, JWK: true, Alg: "ES256"}
	s.Require().NoError(pub.Run(s.ctl))
	s.HasText(`"kty": "EC"`, `"crv": "P-256"`, `"alg": "ES256"`, `"x5c": [`)
	var jwk jose.JSONWebKey
	s.Require().NoError(jwk.UnmarshalJSON(s.Out.Bytes()))
	s.Equal("ES256", jwk.Algorithm)
	s.True(cryptotoken.PublicKeyEqual(id.PublicKey(), jwk.Key))
	s.Len(jwk.Certificates, 1)
}

func (s *tokenSuite) TestSign() {
	digest := sha256.Sum256([]byte("hsm-tool"))
	cmd := SignCmd{
		KeyFlags: KeyFlags{SlotIndex: 0, SlotID: 100, KeyLabel: "ec"},
		Alg:      "PLAIN-ECDSA-SHA256",
		Digest:   hex.EncodeToString(digest[:]),
	}
	s.Require().NoError(cmd.Run(s.ctl))
	sig, err := hex.DecodeString(strings.TrimSpace(s.Out.String()))
	s.Require().NoError(err)
	s.Require().Len(sig, 64)

	svc, err := s.ctl.Service()
	s.Require().NoError(err)
	pub, err := svc.PublicKey(cryptotoken.SlotByIndex(0), cryptotoken.KeyByLabel("ec"))
	s.Require().NoError(err)
	r := new(big.Int).SetBytes(sig[:32])
	ss := new(big.Int).SetBytes(sig[32:])
	s.True(ecdsa.Verify(pub.(*ecdsa.PublicKey), digest[:], r, ss))

	in := filepath.Join(s.T().TempDir(), "data.txt")
	s.Require().NoError(os.WriteFile(in, []byte("hsm-tool"), 0600))
	s.Out.Reset()
	cmd = SignCmd{
		KeyFlags: KeyFlags{SlotIndex: -1, SlotID: -1, KeyLabel: "rsa"},
		Alg:      "SHA256-RSAPSS",
		In:       in,
	}
	s.Require().NoError(cmd.Run(s.ctl))
	sig, err = hex.DecodeString(strings.TrimSpace(s.Out.String()))
	s.Require().NoError(err)
	s.Len(sig, 256)

	cmd = SignCmd{KeyFlags: KeyFlags{SlotIndex: -1, SlotID: -1, KeyLabel: "rsa"}, Alg: "ECDSA-SHA256", Digest: "00"}
	err = cmd.Run(s.ctl)
	s.ErrorIs(err, cryptotoken.ErrAlgorithmMismatch)

	cmd = SignCmd{KeyFlags: KeyFlags{SlotIndex: -1, SlotID: -1, KeyLabel: "rsa"}, Alg: "SHA256-RSA"}
	s.EqualError(cmd.Run(s.ctl), "use --digest or --in flag to specify the input")

	cmd = SignCmd{KeyFlags: KeyFlags{SlotIndex: -1, SlotID: -1}, Alg: "SHA256-RSA", Digest: "00"}
	s.EqualError(cmd.Run(s.ctl), "use --key-id or --key-label flag to specify the key")

	cmd = SignCmd{KeyFlags: KeyFlags{SlotIndex: -1, SlotID: -1, KeyLabel: "missing"}, Alg: "SHA256-RSA", Digest: "00"}
	s.ErrorIs(cmd.Run(s.ctl), cryptotoken.ErrUnknownIdentity)

	cmd = SignCmd{Alg: "MD5-RSA", Digest: "00"}
	s.Error(cmd.Run(s.ctl))
}

func (s *tokenSuite) TestNoConfig() {
	c := &Cli{}
	_, err := c.Service()
	s.EqualError(err, "use --cfg flag to specify the token config file")

	c.Cfg = filepath.Join(s.T().TempDir(), "missing.yaml")
	_, err = c.Service()
	s.Error(err)
}

func (s *tokenSuite) TestKeyFlags() {
	f := KeyFlags{SlotIndex: -1, SlotID: 7, KeyID: "0102", KeyLabel: "x"}
	s.Equal(cryptotoken.SlotByID(7), f.Slot())
	key, err := f.Key()
	s.Require().NoError(err)
	s.Equal(cryptotoken.KeyID{ID: []byte{1, 2}, Label: "x"}, key)

	f = KeyFlags{SlotIndex: -1, SlotID: -1, KeyID: "zz"}
	s.Equal(cryptotoken.SlotByIndex(0), f.Slot())
	_, err = f.Key()
	s.Error(err)

	s.Equal("label", prefixKeyLabel("label"))
	s.True(strings.HasPrefix(prefixKeyLabel("label*"), "label_"))
}

func (s *tokenSuite) TestJWT() {
	cmd := JWTCmd{
		KeyFlags: KeyFlags{SlotIndex: -1, SlotID: -1, KeyLabel: "ec"},
		Claims:   `{"sub":"alice","aud":"hsm-tool"}`,
		Kid:      "ec1",
	}
	s.Require().NoError(cmd.Run(s.ctl))
	token := strings.TrimSpace(s.Out.String())

	svc, err := s.ctl.Service()
	s.Require().NoError(err)
	pub, err := svc.PublicKey(cryptotoken.SlotByIndex(0), cryptotoken.KeyByLabel("ec"))
	s.Require().NoError(err)

	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{"ES256"}), jwt.WithAudience("hsm-tool"))
	s.Require().NoError(err)
	s.Equal("ec1", parsed.Header["kid"])
	sub, err := parsed.Claims.GetSubject()
	s.Require().NoError(err)
	s.Equal("alice", sub)

	cmd = JWTCmd{KeyFlags: KeyFlags{SlotIndex: -1, SlotID: -1, KeyLabel: "rsa"}, Alg: "ES256", Claims: `{}`}
	s.ErrorIs(cmd.Run(s.ctl), cryptotoken.ErrAlgorithmMismatch)

	cmd = JWTCmd{KeyFlags: KeyFlags{SlotIndex: -1, SlotID: -1, KeyLabel: "rsa"}, Claims: `[`}
	s.Error(cmd.Run(s.ctl))
}

func mustOID(t *testing.T, ids ...uint64) x509.OID {
	o, err := x509.OIDFromInts(ids)
	require.NoError(t, err)
	return o
}
