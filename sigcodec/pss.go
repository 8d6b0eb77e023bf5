package sigcodec

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"io"

	"github.com/cockroachdb/errors"
)

// PSSSaltLength returns the effective salt length for the PSS options.
// Both rsa.PSSSaltLengthAuto and rsa.PSSSaltLengthEqualsHash resolve to the hash size.
func PSSSaltLength(opts *rsa.PSSOptions, hash crypto.Hash) int {
	if opts == nil || opts.SaltLength <= 0 {
		return hash.Size()
	}
	return opts.SaltLength
}

// EncodePSS returns EMSA-PSS encoded message (RFC 8017, 9.1.1) for the digest,
// the encoded message has ceil((modBits-1)/8) bytes.
func EncodePSS(rand io.Reader, digest []byte, hash crypto.Hash, saltLen, modBits int) ([]byte, error) {
	if !hash.Available() {
		return nil, errors.Errorf("hash is not available: %v", hash)
	}
	hLen := hash.Size()
	if len(digest) != hLen {
		return nil, errors.Wrapf(ErrPadding, "digest length %d does not match %v", len(digest), hash)
	}
	if saltLen < 0 {
		return nil, errors.Errorf("invalid salt length: %d", saltLen)
	}

	emBits := modBits - 1
	emLen := (emBits + 7) / 8
	if emLen < hLen+saltLen+2 {
		return nil, errors.Wrapf(ErrPadding, "key of %d bits is too short for PSS with %v", modBits, hash)
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand, salt); err != nil {
		return nil, errors.WithMessage(err, "failed to generate salt")
	}

	h := hash.New()
	h.Write(make([]byte, 8))
	h.Write(digest)
	h.Write(salt)
	mHash := h.Sum(nil)

	em := make([]byte, emLen)
	db := em[:emLen-hLen-1]
	db[emLen-saltLen-hLen-2] = 0x01
	copy(db[emLen-saltLen-hLen-1:], salt)

	mgf1XOR(db, hash, mHash)
	db[0] &= 0xFF >> uint(8*emLen-emBits)

	copy(em[emLen-hLen-1:], mHash)
	em[emLen-1] = 0xBC
	return em, nil
}

// VerifyPSS checks EMSA-PSS encoded message against the digest,
// it is used to validate the output of raw RSA operation in tests and tools.
func VerifyPSS(em, digest []byte, hash crypto.Hash, saltLen, modBits int) error {
	hLen := hash.Size()
	emBits := modBits - 1
	emLen := (emBits + 7) / 8
	if len(em) == emLen+1 && em[0] == 0 {
		em = em[1:]
	}
	if len(em) != emLen || len(digest) != hLen || emLen < hLen+saltLen+2 || em[emLen-1] != 0xBC {
		return errors.WithStack(ErrEncoding)
	}

	db := append([]byte(nil), em[:emLen-hLen-1]...)
	mHash := em[emLen-hLen-1 : emLen-1]
	if db[0]&^(0xFF>>uint(8*emLen-emBits)) != 0 {
		return errors.WithStack(ErrEncoding)
	}
	mgf1XOR(db, hash, mHash)
	db[0] &= 0xFF >> uint(8*emLen-emBits)

	psLen := emLen - hLen - saltLen - 2
	for _, b := range db[:psLen] {
		if b != 0 {
			return errors.WithStack(ErrEncoding)
		}
	}
	if db[psLen] != 0x01 {
		return errors.WithStack(ErrEncoding)
	}

	h := hash.New()
	h.Write(make([]byte, 8))
	h.Write(digest)
	h.Write(db[len(db)-saltLen:])
	if !bytes.Equal(h.Sum(nil), mHash) {
		return errors.WithStack(ErrEncoding)
	}
	return nil
}

// mgf1XOR XORs out with the MGF1 mask generated from the seed
func mgf1XOR(out []byte, hash crypto.Hash, seed []byte) {
	var counter [4]byte
	var digest []byte

	h := hash.New()
	done := 0
	for done < len(out) {
		h.Reset()
		h.Write(seed)
		h.Write(counter[:])
		digest = h.Sum(digest[:0])

		for i := 0; i < len(digest) && done < len(out); i++ {
			out[done] ^= digest[i]
			done++
		}
		incCounter(&counter)
	}
}

func incCounter(c *[4]byte) {
	for i := 3; i >= 0; i-- {
		c[i]++
		if c[i] != 0 {
			return
		}
	}
}
