package sigcodec

import (
	"bytes"
	"crypto"

	"github.com/cockroachdb/errors"
)

// digestInfoPrefix is DER encoded DigestInfo header without the digest value
var digestInfoPrefix = map[crypto.Hash][]byte{
	crypto.SHA1:       {0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14},
	crypto.SHA224:     {0x30, 0x2d, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x04, 0x05, 0x00, 0x04, 0x1c},
	crypto.SHA256:     {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384:     {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512:     {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
	crypto.SHA3_256:   {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x08, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA3_384:   {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x09, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA3_512:   {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x0a, 0x05, 0x00, 0x04, 0x40},
	crypto.SHA512_256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x06, 0x05, 0x00, 0x04, 0x20},
}

// DigestInfo returns DER encoded DigestInfo for the digest
func DigestInfo(hash crypto.Hash, digest []byte) ([]byte, error) {
	prefix, ok := digestInfoPrefix[hash]
	if !ok {
		return nil, errors.Errorf("unsupported hash: %v", hash)
	}
	if len(digest) != hash.Size() {
		return nil, errors.Errorf("invalid digest length for %v: %d", hash, len(digest))
	}
	res := make([]byte, 0, len(prefix)+len(digest))
	res = append(res, prefix...)
	return append(res, digest...), nil
}

// ParseDigestInfo returns the hash and digest from DER encoded DigestInfo
func ParseDigestInfo(info []byte) (crypto.Hash, []byte, error) {
	for hash, prefix := range digestInfoPrefix {
		if len(info) == len(prefix)+hash.Size() && bytes.HasPrefix(info, prefix) {
			return hash, append([]byte(nil), info[len(prefix):]...), nil
		}
	}
	return 0, nil, errors.Wrap(ErrEncoding, "unsupported DigestInfo")
}

// HashForDigestSize returns SHA-2 hash with the matching output size
func HashForDigestSize(size int) (crypto.Hash, error) {
	switch size {
	case crypto.SHA1.Size():
		return crypto.SHA1, nil
	case crypto.SHA224.Size():
		return crypto.SHA224, nil
	case crypto.SHA256.Size():
		return crypto.SHA256, nil
	case crypto.SHA384.Size():
		return crypto.SHA384, nil
	case crypto.SHA512.Size():
		return crypto.SHA512, nil
	}
	return 0, errors.Errorf("unsupported digest size: %d", size)
}
