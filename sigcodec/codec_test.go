package sigcodec

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/asn1"
	"math/big"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	digest := sha512.Sum512([]byte("truncate"))

	for _, keyBits := range []int{160, 224, 255, 256, 257, 384, 521, 1023} {
		res := Truncate(digest[:], keyBits)
		if keyBits >= 512 {
			assert.Equal(t, digest[:], res, "keyBits=%d", keyBits)
			continue
		}
		require.Len(t, res, (keyBits+7)/8, "keyBits=%d", keyBits)

		exp := new(big.Int).SetBytes(digest[:])
		exp.Rsh(exp, uint(len(digest)*8-keyBits))
		assert.Equal(t, 0, exp.Cmp(new(big.Int).SetBytes(res)), "keyBits=%d", keyBits)
		assert.LessOrEqual(t, new(big.Int).SetBytes(res).BitLen(), keyBits)
	}

	t.Run("short", func(t *testing.T) {
		d := []byte{1, 2, 3}
		res := Truncate(d, 256)
		assert.Equal(t, d, res)
		res[0] = 9
		assert.Equal(t, byte(1), d[0], "must return a copy")
	})

	t.Run("byte_aligned", func(t *testing.T) {
		d := []byte{0xAB, 0xCD, 0xEF}
		assert.Equal(t, []byte{0xAB, 0xCD}, Truncate(d, 16))
		assert.Equal(t, []byte{0x0A, 0xBC}, Truncate(d, 12))
	})
}

func TestPKCS1Pad(t *testing.T) {
	data := []byte{1, 2, 3, 4}

	res, err := PKCS1Pad(data, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00, 1, 2, 3, 4}, res)

	res, err = PKCS1Pad(data, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 1, 2, 3, 4}, res)

	_, err = PKCS1Pad(data, 6)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPadding))

	blk := make([]byte, 253)
	res, err = PKCS1Pad(blk, 256)
	require.NoError(t, err)
	assert.Len(t, res, 256)

	_, err = PKCS1Pad(make([]byte, 254), 256)
	assert.True(t, errors.Is(err, ErrPadding))
}

func TestASN1RoundTrip(t *testing.T) {
	tcases := []struct {
		name string
		r, s *big.Int
		n    int
	}{
		{"zero", big.NewInt(0), big.NewInt(0), 32},
		{"small", big.NewInt(1), big.NewInt(0x7f), 32},
		{"high_bit", new(big.Int).SetBytes(fill(32, 0xFF)), new(big.Int).SetBytes(fill(32, 0x80)), 32},
		{"p521", new(big.Int).SetBytes(append([]byte{0x01}, fill(65, 0xFF)...)), big.NewInt(2), 66},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			plain, err := PlainFromInts(tc.r, tc.s, tc.n)
			require.NoError(t, err)
			require.Len(t, plain, 2*tc.n)

			der, err := PlainToASN1(plain)
			require.NoError(t, err)

			var sig struct{ R, S *big.Int }
			rest, err := asn1.Unmarshal(der, &sig)
			require.NoError(t, err)
			assert.Empty(t, rest)
			assert.Equal(t, 0, tc.r.Cmp(sig.R))
			assert.Equal(t, 0, tc.s.Cmp(sig.S))

			back, err := ASN1ToPlain(der, tc.n)
			require.NoError(t, err)
			assert.Equal(t, plain, back)
		})
	}
}

func TestASN1HighBitEncoding(t *testing.T) {
	der, err := MarshalASN1(big.NewInt(0x80), big.NewInt(0x7f))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x30, 0x07, 0x02, 0x02, 0x00, 0x80, 0x02, 0x01, 0x7f}, der)
}

func TestASN1ToPlainErrors(t *testing.T) {
	_, err := ASN1ToPlain([]byte{0x30, 0x00}, 32)
	assert.True(t, errors.Is(err, ErrEncoding))

	// trailing data
	_, err = ASN1ToPlain([]byte{0x30, 0x06, 0x02, 0x01, 0x01, 0x02, 0x01, 0x01, 0x00}, 32)
	assert.True(t, errors.Is(err, ErrEncoding))

	// component too long
	der, err := MarshalASN1(new(big.Int).SetBytes(fill(33, 0x01)), big.NewInt(1))
	require.NoError(t, err)
	_, err = ASN1ToPlain(der, 32)
	assert.True(t, errors.Is(err, ErrEncoding))

	_, err = PlainToASN1([]byte{1, 2, 3})
	assert.True(t, errors.Is(err, ErrEncoding))
	_, err = PlainToASN1(nil)
	assert.True(t, errors.Is(err, ErrEncoding))

	_, err = MarshalASN1(big.NewInt(-1), big.NewInt(1))
	assert.True(t, errors.Is(err, ErrEncoding))
}

func TestASN1VerifiesWithStdlib(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("plain to der"))
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	require.NoError(t, err)

	plain, err := PlainFromInts(r, s, 32)
	require.NoError(t, err)
	der, err := PlainToASN1(plain)
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(&key.PublicKey, digest[:], der))

	der, err = ecdsa.SignASN1(rand.Reader, key, digest[:])
	require.NoError(t, err)
	plain, err = ASN1ToPlain(der, 32)
	require.NoError(t, err)
	assert.True(t, ecdsa.Verify(&key.PublicKey, digest[:],
		new(big.Int).SetBytes(plain[:32]),
		new(big.Int).SetBytes(plain[32:])))
}

func fill(n int, b byte) []byte {
	res := make([]byte, n)
	for i := range res {
		res[i] = b
	}
	return res
}
