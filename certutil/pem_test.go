package certutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSigned(t *testing.T, cn string) (*x509.Certificate, *ecdsa.PrivateKey) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	crt, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return crt, key
}

func TestPEMChain(t *testing.T) {
	c1, k1 := selfSigned(t, "one")
	c2, _ := selfSigned(t, "two")

	s, err := EncodeToPEMString(true, c1, nil, c2)
	require.NoError(t, err)
	assert.Contains(t, s, "#   Subject: CN=one")

	// comments are not PEM blocks
	s, err = EncodeToPEMString(false, c1, c2)
	require.NoError(t, err)

	fn := filepath.Join(t.TempDir(), "chain.pem")
	pub, err := EncodePublicKeyToPEM(k1.Public())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(fn, append([]byte(s+"\n"), pub...), 0600))

	list, err := LoadChainFromPEM(fn)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, c1.Raw, list[0].Raw)
	assert.Equal(t, c2.Raw, list[1].Raw)

	parsed, err := ParsePublicKeyPEM(pub)
	require.NoError(t, err)
	assert.True(t, k1.PublicKey.Equal(parsed))

	_, err = ParsePublicKeyPEM([]byte("not pem"))
	assert.Error(t, err)
	_, err = ParseChainFromPEM([]byte("garbage"))
	assert.Error(t, err)
	_, err = LoadChainFromPEM(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)

	s, err = EncodeToPEMString(false)
	require.NoError(t, err)
	assert.Empty(t, s)
}
