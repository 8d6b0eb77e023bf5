package sigcodec

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrPadding is returned when the data does not fit into the padded block
	ErrPadding = errors.New("data too long for the padding block")
	// ErrEncoding is returned when a signature can not be decoded
	ErrEncoding = errors.New("invalid signature encoding")
)

// minPaddingOverhead is the number of non-data bytes reserved by PKCS1Pad:
// the leading 0x00 0x01 and the 0x00 separator.
// NOTE: RFC 8017 requires at least 8 bytes of 0xFF (11 bytes of overhead),
// the smaller bound is kept for compatibility with existing tokens.
const minPaddingOverhead = 3

// Truncate returns the leftmost keyBits bits of the digest,
// as required for DSA and ECDSA signatures (FIPS 186-4, 6.4).
// The result has ceil(keyBits/8) bytes, and when keyBits is not
// a multiple of 8 the value is shifted right, so the excess high bits are zero.
// Digests that already fit into keyBits are returned as a copy.
func Truncate(digest []byte, keyBits int) []byte {
	if keyBits <= 0 || keyBits >= len(digest)*8 {
		return append([]byte(nil), digest...)
	}

	n := (keyBits + 7) / 8
	res := make([]byte, n)
	copy(res, digest[:n])

	if shift := uint(8 - keyBits%8); shift < 8 {
		for i := n - 1; i > 0; i-- {
			res[i] = res[i]>>shift | res[i-1]<<(8-shift)
		}
		res[0] >>= shift
	}
	return res
}

// PKCS1Pad returns EMSA-PKCS1-v1_5 block of blockLen bytes:
// 0x00 0x01 0xFF... 0x00 data
func PKCS1Pad(data []byte, blockLen int) ([]byte, error) {
	if len(data)+minPaddingOverhead > blockLen {
		return nil, errors.Wrapf(ErrPadding, "data=%d, block=%d", len(data), blockLen)
	}

	block := make([]byte, blockLen)
	block[1] = 0x01
	psEnd := blockLen - len(data) - 1
	for i := 2; i < psEnd; i++ {
		block[i] = 0xFF
	}
	copy(block[psEnd+1:], data)
	return block, nil
}
