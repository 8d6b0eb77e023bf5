package providercrypto

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/ThalesIgnite/crypto11"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/cryptotoken"
	"github.com/effective-security/xtoken/sigcodec"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSigner struct {
	id    string
	label string
	key   crypto.Signer
}

func (s *fakeSigner) Public() crypto.PublicKey {
	return s.key.Public()
}

func (s *fakeSigner) Sign(r io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if k, ok := s.key.(*rsa.PrivateKey); ok {
		if pss, ok := opts.(*rsa.PSSOptions); ok {
			return rsa.SignPSS(r, k, pss.Hash, digest, pss)
		}
		return rsa.SignPKCS1v15(r, k, opts.HashFunc(), digest)
	}
	return s.key.Sign(r, digest, opts)
}

func (s *fakeSigner) Delete() error {
	return nil
}

type fakeProvider struct {
	cfg     *crypto11.Config
	signers []crypto11.Signer
	certs   map[string]*x509.Certificate
	findErr error
	closed  bool
}

func (p *fakeProvider) FindAllKeyPairs() ([]crypto11.Signer, error) {
	if p.findErr != nil {
		return nil, p.findErr
	}
	return p.signers, nil
}

func (p *fakeProvider) GetAttribute(key any, typ crypto11.AttributeType) (*crypto11.Attribute, error) {
	s := key.(*fakeSigner)
	switch typ {
	case pkcs11.CKA_ID:
		return pkcs11.NewAttribute(typ, []byte(s.id)), nil
	case pkcs11.CKA_LABEL:
		return pkcs11.NewAttribute(typ, s.label), nil
	}
	return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
}

func (p *fakeProvider) FindCertificate(id []byte, _ []byte, _ *big.Int) (*x509.Certificate, error) {
	return p.certs[string(id)], nil
}

func (p *fakeProvider) Close() error {
	p.closed = true
	return nil
}

func setupProvider(t *testing.T) (*fakeProvider, *rsa.PrivateKey, *ecdsa.PrivateKey) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "crypto11 test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &ecKey.PublicKey, ecKey)
	require.NoError(t, err)
	crt, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	fake := &fakeProvider{
		signers: []crypto11.Signer{
			&fakeSigner{id: "rsa-1", label: "rsa", key: rsaKey},
			&fakeSigner{id: "ec-1", label: "ec", key: ecKey},
		},
		certs: map[string]*x509.Certificate{"ec-1": crt},
	}

	saved := ProviderFactory
	ProviderFactory = func(cfg *crypto11.Config) (Provider, error) {
		fake.cfg = cfg
		return fake, nil
	}
	t.Cleanup(func() { ProviderFactory = saved })
	return fake, rsaKey, ecKey
}

func testConfig(t *testing.T) *cryptotoken.ModuleConfig {
	return &cryptotoken.ModuleConfig{
		Name:        t.Name(),
		Type:        BackendType,
		Path:        "/usr/lib/softhsm/libsofthsm2.so",
		Pin:         "1234",
		Parallelism: 2,
		Slots:       cryptotoken.SlotFilter{IncludeIDs: []uint{7}},
		Attributes:  "MaxSessions=10",
	}
}

func TestProvider_Sign(t *testing.T) {
	ctx := context.Background()
	fake, rsaKey, ecKey := setupProvider(t)

	s, err := cryptotoken.NewService(testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	require.NotNil(t, fake.cfg)
	require.NotNil(t, fake.cfg.SlotNumber)
	assert.Equal(t, 7, *fake.cfg.SlotNumber)
	assert.Equal(t, 10, fake.cfg.MaxSessions)

	slots, err := s.Slots()
	require.NoError(t, err)
	assert.Equal(t, []cryptotoken.SlotID{{Index: 0, ID: 7}}, slots)

	digest := sha256.Sum256([]byte("crypto11"))
	slot := cryptotoken.SlotByID(7)

	info, err := sigcodec.DigestInfo(crypto.SHA256, digest[:])
	require.NoError(t, err)
	sig, err := s.Sign(ctx, slot, cryptotoken.KeyByLabel("rsa"), cryptotoken.RSAPKCS1, info, nil)
	require.NoError(t, err)
	assert.NoError(t, rsa.VerifyPKCS1v15(&rsaKey.PublicKey, crypto.SHA256, digest[:], sig))

	sig, err = s.Sign(ctx, slot, cryptotoken.KeyByID([]byte("rsa-1")), cryptotoken.RSAPSS, digest[:], nil)
	require.NoError(t, err)
	assert.NoError(t, rsa.VerifyPSS(&rsaKey.PublicKey, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}))

	// raw RSA is not available through crypto11
	_, err = s.Sign(ctx, slot, cryptotoken.KeyByLabel("rsa"), cryptotoken.RSAX509, digest[:], nil)
	assert.ErrorIs(t, err, cryptotoken.ErrMechanismMismatch)

	plain, err := s.Sign(ctx, slot, cryptotoken.KeyByLabel("ec"), cryptotoken.ECDSAPlain, digest[:], nil)
	require.NoError(t, err)
	assert.Len(t, plain, 96)

	der, err := s.Sign(ctx, slot, cryptotoken.KeyByLabel("ec"), cryptotoken.ECDSAX962, digest[:], nil)
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(&ecKey.PublicKey, digest[:], der))

	chain, err := s.CertificateChain(slot, cryptotoken.KeyByLabel("ec"))
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "crypto11 test", chain[0].Subject.CommonName)

	certs, err := s.Certificates(slot)
	require.NoError(t, err)
	assert.Len(t, certs, 1)

	require.NoError(t, s.Close())
	assert.True(t, fake.closed)
}

func TestProvider_OpenErrors(t *testing.T) {
	setupProvider(t)

	cfg := testConfig(t)
	cfg.Slots.IncludeIDs = nil
	_, err := Open(cfg)
	assert.EqualError(t, err, "slot identifiers must be specified for TestProvider_OpenErrors")

	cfg = testConfig(t)
	cfg.Path = ""
	_, err = Open(cfg)
	assert.EqualError(t, err, "PKCS#11 library is not specified: TestProvider_OpenErrors")

	cfg = testConfig(t)
	cfg.Attributes = "MaxSessions=many"
	_, err = Open(cfg)
	assert.EqualError(t, err, `invalid MaxSessions: "many"`)

	ProviderFactory = func(*crypto11.Config) (Provider, error) {
		return nil, errors.New("could not find PKCS#11 token")
	}
	_, err = Open(testConfig(t))
	require.Error(t, err)
	assert.True(t, cryptotoken.IsCommunicationError(err))
}

func TestProvider_DeviceError(t *testing.T) {
	fake, _, _ := setupProvider(t)

	m, err := Open(testConfig(t))
	require.NoError(t, err)
	defer m.Close()

	slots, err := m.Slots()
	require.NoError(t, err)
	require.Len(t, slots, 1)

	fake.findErr = pkcs11.Error(pkcs11.CKR_DEVICE_REMOVED)
	_, err = slots[0].Keys()
	require.Error(t, err)
	assert.True(t, cryptotoken.IsCommunicationError(err))

	fake.findErr = nil
	keys, err := slots[0].Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	require.NoError(t, m.Close())
	_, err = m.Slots()
	assert.ErrorIs(t, err, ErrModuleClosed)
}
