package proxy

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/effective-security/xtoken/cryptotoken"
	"github.com/effective-security/xtoken/cryptotoken/emucrypto"
	"github.com/effective-security/xtoken/sigcodec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPin = "1234"

var slot0 = cryptotoken.SlotID{Index: 0, ID: 100}

type fixture struct {
	server *cryptotoken.Service
	client *cryptotoken.Service
	crt    *x509.Certificate
}

func setup(t *testing.T) *fixture {
	ctx := context.Background()
	root := t.TempDir()
	store, err := emucrypto.NewStore(root, testPin, 1000)
	require.NoError(t, err)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, err = store.WriteKey(ctx, slot0, cryptotoken.KeyByLabel("rsa"), priv)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "proxy"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, priv.Public(), priv)
	require.NoError(t, err)
	crt, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	require.NoError(t, store.WriteCertificates(slot0, "rsa", crt))

	_, _, err = store.GenerateKey(ctx, slot0, "EC", 256, "ec")
	require.NoError(t, err)

	server, err := cryptotoken.NewService(&cryptotoken.ModuleConfig{
		Name:        "server",
		Type:        emucrypto.BackendType,
		Path:        root,
		Pin:         testPin,
		Parallelism: 2,
		Attributes:  "Iterations=1000",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	srv := NewServer(server)
	dialer := Dialer
	Dialer = func(cfg *cryptotoken.ModuleConfig) (Transport, error) {
		return Local(srv), nil
	}
	t.Cleanup(func() { Dialer = dialer })

	client, err := cryptotoken.NewService(&cryptotoken.ModuleConfig{
		Name:        "client",
		Type:        BackendType,
		Path:        "local",
		Parallelism: 2,
		Attributes:  "Timeout=5s",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return &fixture{server: server, client: client, crt: crt}
}

func TestProxy_Identities(t *testing.T) {
	f := setup(t)

	list, err := f.client.ListIdentities(nil)
	require.NoError(t, err)
	require.Len(t, list, 2)

	pub, err := f.client.PublicKey(cryptotoken.SlotByIndex(0), cryptotoken.KeyByLabel("rsa"))
	require.NoError(t, err)
	assert.True(t, f.crt.PublicKey.(*rsa.PublicKey).Equal(pub))

	chain, err := f.client.CertificateChain(cryptotoken.SlotByID(100), cryptotoken.KeyByLabel("rsa"))
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, f.crt.Raw, chain[0].Raw)

	certs, err := f.client.Certificates(cryptotoken.SlotByIndex(0))
	require.NoError(t, err)
	assert.Len(t, certs, 1)

	id, err := f.client.Identity(cryptotoken.SlotByIndex(0), cryptotoken.KeyByLabel("ec"))
	require.NoError(t, err)
	assert.Equal(t, cryptotoken.FamilyEC, id.Family())
	assert.True(t, id.Supports(cryptotoken.ECDSAX962))
	assert.False(t, id.Supports(cryptotoken.RSAPKCS1))
}

func TestProxy_Sign(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	digest := sha256.Sum256([]byte("remote"))
	slot := cryptotoken.SlotByIndex(0)

	rsaPub := f.crt.PublicKey.(*rsa.PublicKey)
	info, err := sigcodec.DigestInfo(crypto.SHA256, digest[:])
	require.NoError(t, err)
	sig, err := f.client.Sign(ctx, slot, cryptotoken.KeyByLabel("rsa"), cryptotoken.RSAPKCS1, info, nil)
	require.NoError(t, err)
	assert.NoError(t, rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], sig))

	sig, err = f.client.Sign(ctx, slot, cryptotoken.KeyByLabel("rsa"), cryptotoken.RSAPSS, digest[:],
		&rsa.PSSOptions{Hash: crypto.SHA256, SaltLength: rsa.PSSSaltLengthEqualsHash})
	require.NoError(t, err)
	assert.NoError(t, rsa.VerifyPSS(rsaPub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{SaltLength: 32}))

	ec, err := f.client.Identity(slot, cryptotoken.KeyByLabel("ec"))
	require.NoError(t, err)
	sig, err = f.client.SignWith(ctx, ec, cryptotoken.ECDSAX962, digest[:], crypto.SHA256)
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(ec.PublicKey().(*ecdsa.PublicKey), digest[:], sig))

	sig, err = f.client.SignWith(ctx, ec, cryptotoken.ECDSAPlain, digest[:], crypto.SHA256)
	require.NoError(t, err)
	assert.Len(t, sig, 64)
}

func TestServer_Errors(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	srv := NewServer(f.server)

	_, err := srv.Handle(ctx, Action("unknown"), nil)
	assert.Equal(t, StatusBadRequest, StatusOf(err))

	_, err = srv.Handle(ctx, ActionPublicKey, []byte{0x30, 0x00})
	assert.Equal(t, StatusBadRequest, StatusOf(err))

	payload, err := MarshalPSOTemplate(&PSOTemplate{
		SlotAndKey: SlotAndKey{Slot: cryptotoken.SlotByIndex(0), Key: cryptotoken.KeyByLabel("missing")},
		Message:    make([]byte, 32),
	})
	require.NoError(t, err)
	_, err = srv.Handle(ctx, PSOAction(cryptotoken.ECDSAPlain), payload)
	assert.Equal(t, StatusUnknownIdentity, StatusOf(err))

	payload, err = MarshalPSOTemplate(&PSOTemplate{
		SlotAndKey: SlotAndKey{Slot: cryptotoken.SlotByIndex(0), Key: cryptotoken.KeyByLabel("ec")},
		Message:    make([]byte, 32),
	})
	require.NoError(t, err)
	_, err = Local(srv).Do(ctx, PSOAction(cryptotoken.RSAPKCS1), payload)
	assert.ErrorIs(t, err, cryptotoken.ErrMechanismMismatch)
	assert.False(t, cryptotoken.IsCommunicationError(classify(err)))

	res, err := srv.Handle(ctx, ActionListIdentities, []byte{0x30, 0x03, 0x02, 0x01, 0x05})
	require.NoError(t, err)
	list, err := parseEntries(res)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestProxy_ServerClosed(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	digest := sha256.Sum256([]byte("closed"))

	id, err := f.client.Identity(cryptotoken.SlotByIndex(0), cryptotoken.KeyByLabel("ec"))
	require.NoError(t, err)
	require.NoError(t, f.server.Close())

	_, err = f.client.SignWith(ctx, id, cryptotoken.ECDSAX962, digest[:], crypto.SHA256)
	require.Error(t, err)
	assert.ErrorIs(t, err, cryptotoken.ErrNotInitialized)
	assert.Equal(t, cryptotoken.StateDegraded, f.client.State())
}

func TestActions(t *testing.T) {
	for _, m := range cryptotoken.AllMechanisms() {
		a := PSOAction(m)
		got, ok := a.Mechanism()
		require.True(t, ok, a)
		assert.Equal(t, m, got)
	}
	assert.Equal(t, Action("pso-ecdsa-x962"), PSOAction(cryptotoken.ECDSAX962))
	_, ok := ActionPublicKey.Mechanism()
	assert.False(t, ok)
	_, ok = Action("pso-md5").Mechanism()
	assert.False(t, ok)

	assert.Nil(t, StatusError(StatusOK, ""))
	assert.ErrorIs(t, StatusError(StatusNotInitialized, "down"), cryptotoken.ErrNotInitialized)
	assert.Equal(t, "remote padding: short", StatusError(StatusPadding, "short").Error())
	assert.Equal(t, StatusInternal, StatusOf(assert.AnError))
	assert.Equal(t, "status_42", Status(42).String())
}
