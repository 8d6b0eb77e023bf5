package pkcs11crypto

import (
	"crypto"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/cryptotoken"
	"github.com/miekg/pkcs11"
)

type slot struct {
	m     *Module
	id    cryptotoken.SlotID
	label string
}

func (s *slot) SlotID() cryptotoken.SlotID {
	return s.id
}

// Certificates returns X.509 certificates stored on the token
func (s *slot) Certificates() ([]*x509.Certificate, error) {
	sh, err := s.m.session(s.id.ID)
	if err != nil {
		return nil, err
	}
	objs, err := s.m.findObjects(sh, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to find certificates on slot 0x%X", s.id.ID)
	}

	var list []*x509.Certificate
	for _, obj := range objs {
		attrs, err := s.m.attributes(sh, obj, pkcs11.CKA_VALUE)
		if err != nil {
			return nil, err
		}
		crt, err := x509.ParseCertificate(attrs[pkcs11.CKA_VALUE])
		if err != nil {
			logger.KV(xlog.WARNING, "reason", "parse_certificate", "slot", s.id, "obj", obj, "err", err.Error())
			continue
		}
		list = append(list, crt)
	}
	return list, nil
}

// Keys returns signing keys stored on the token
func (s *slot) Keys() ([]*cryptotoken.KeyEntry, error) {
	sh, err := s.m.session(s.id.ID)
	if err != nil {
		return nil, err
	}

	mechs, err := s.m.ctx.GetMechanismList(s.id.ID)
	if err != nil {
		return nil, errors.WithMessagef(Classify(err), "failed to get mechanisms on slot 0x%X", s.id.ID)
	}
	supported := make(map[uint]bool, len(mechs))
	for _, m := range mechs {
		supported[m.Mechanism] = true
	}

	objs, err := s.m.findObjects(sh, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to find keys on slot 0x%X", s.id.ID)
	}

	var list []*cryptotoken.KeyEntry
	for _, obj := range objs {
		entry, err := s.keyEntry(sh, obj, supported)
		if err != nil {
			if cryptotoken.IsCommunicationError(err) {
				return nil, err
			}
			logger.KV(xlog.WARNING, "reason", "skip_key", "slot", s.id, "obj", obj, "err", err.Error())
			continue
		}
		logger.Tracef("slot=0x%X, id=%q, label=%q, ops=%s", s.id.ID, hex.EncodeToString(entry.ID.ID), entry.ID.Label, entry.Operations)
		list = append(list, entry)
	}
	return list, nil
}

func (s *slot) keyEntry(sh pkcs11.SessionHandle, obj pkcs11.ObjectHandle, supported map[uint]bool) (*cryptotoken.KeyEntry, error) {
	attrs, err := s.m.attributes(sh, obj,
		pkcs11.CKA_ID, pkcs11.CKA_LABEL, pkcs11.CKA_KEY_TYPE, pkcs11.CKA_SIGN,
		pkcs11.CKA_MODULUS, pkcs11.CKA_PUBLIC_EXPONENT)
	if err != nil {
		return nil, err
	}
	if sign, ok := attrs[pkcs11.CKA_SIGN]; ok && !isTrue(sign) {
		return nil, errors.Errorf("key is not allowed to sign")
	}

	keyType, ok := attrs[pkcs11.CKA_KEY_TYPE]
	if !ok {
		return nil, errors.Errorf("key type is not available")
	}
	kt := bytesToUint(keyType)

	entry := &cryptotoken.KeyEntry{
		ID: cryptotoken.KeyID{
			ID:    attrs[pkcs11.CKA_ID],
			Label: string(attrs[pkcs11.CKA_LABEL]),
		},
		Format: cryptotoken.FormatPlain,
	}

	var dssMech uint
	switch kt {
	case pkcs11.CKK_RSA:
		if supported[pkcs11.CKM_RSA_X_509] {
			entry.Operations = entry.Operations.With(cryptotoken.OpRSAX509)
		}
		if supported[pkcs11.CKM_RSA_PKCS] {
			entry.Operations = entry.Operations.With(cryptotoken.OpRSAPKCS1)
		}
		if supported[pkcs11.CKM_RSA_PKCS_PSS] {
			entry.Operations = entry.Operations.With(cryptotoken.OpRSAPSS)
		}
		// private key usually exposes modulus and exponent
		if n, e := attrs[pkcs11.CKA_MODULUS], attrs[pkcs11.CKA_PUBLIC_EXPONENT]; len(n) > 0 && len(e) > 0 {
			entry.PublicKey, err = rsaPublicKey(n, e)
			if err != nil {
				return nil, err
			}
		}
	case pkcs11.CKK_EC:
		dssMech = pkcs11.CKM_ECDSA
	case pkcs11.CKK_DSA:
		dssMech = pkcs11.CKM_DSA
	default:
		return nil, errors.Errorf("unsupported key type: 0x%X", kt)
	}
	if dssMech != 0 && supported[dssMech] {
		entry.Operations = entry.Operations.With(cryptotoken.OpDSS)
	}

	if entry.PublicKey == nil {
		entry.PublicKey, err = s.findPublicKey(sh, entry.ID.ID, kt)
		if err != nil {
			return nil, err
		}
	}

	entry.Open = func() (cryptotoken.Context, error) {
		sh, err := s.m.openSession(s.id.ID)
		if err != nil {
			return nil, err
		}
		return &session{m: s.m, sh: sh, key: obj, keyType: kt, dssMech: dssMech}, nil
	}
	return entry, nil
}

// findPublicKey returns the public key from the public key object
// or the certificate with the same CKA_ID
func (s *slot) findPublicKey(sh pkcs11.SessionHandle, id []byte, keyType uint) (crypto.PublicKey, error) {
	if len(id) > 0 {
		objs, err := s.m.findObjects(sh, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		})
		if err != nil {
			return nil, err
		}
		if len(objs) > 0 {
			return s.parsePublicKey(sh, objs[0], keyType)
		}

		objs, err = s.m.findObjects(sh, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
			pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		})
		if err != nil {
			return nil, err
		}
		if len(objs) > 0 {
			attrs, err := s.m.attributes(sh, objs[0], pkcs11.CKA_VALUE)
			if err != nil {
				return nil, err
			}
			crt, err := x509.ParseCertificate(attrs[pkcs11.CKA_VALUE])
			if err == nil {
				return crt.PublicKey, nil
			}
		}
	}
	return nil, errors.Errorf("public key not found: id=%s", hex.EncodeToString(id))
}

func (s *slot) parsePublicKey(sh pkcs11.SessionHandle, obj pkcs11.ObjectHandle, keyType uint) (crypto.PublicKey, error) {
	switch keyType {
	case pkcs11.CKK_RSA:
		attrs, err := s.m.attributes(sh, obj, pkcs11.CKA_MODULUS, pkcs11.CKA_PUBLIC_EXPONENT)
		if err != nil {
			return nil, err
		}
		return rsaPublicKey(attrs[pkcs11.CKA_MODULUS], attrs[pkcs11.CKA_PUBLIC_EXPONENT])
	case pkcs11.CKK_EC:
		attrs, err := s.m.attributes(sh, obj, pkcs11.CKA_EC_PARAMS, pkcs11.CKA_EC_POINT)
		if err != nil {
			return nil, err
		}
		return ecPublicKey(attrs[pkcs11.CKA_EC_PARAMS], attrs[pkcs11.CKA_EC_POINT])
	case pkcs11.CKK_DSA:
		attrs, err := s.m.attributes(sh, obj, pkcs11.CKA_PRIME, pkcs11.CKA_SUBPRIME, pkcs11.CKA_BASE, pkcs11.CKA_VALUE)
		if err != nil {
			return nil, err
		}
		return dsaPublicKey(attrs[pkcs11.CKA_PRIME], attrs[pkcs11.CKA_SUBPRIME], attrs[pkcs11.CKA_BASE], attrs[pkcs11.CKA_VALUE])
	}
	return nil, errors.Errorf("unsupported key type: 0x%X", keyType)
}

func isTrue(b []byte) bool {
	return len(b) > 0 && b[0] != 0
}

// bytesToUint converts CK_ULONG attribute value in native byte order
func bytesToUint(b []byte) uint {
	switch len(b) {
	case 1:
		return uint(b[0])
	case 2:
		return uint(binary.NativeEndian.Uint16(b))
	case 4:
		return uint(binary.NativeEndian.Uint32(b))
	case 8:
		return uint(binary.NativeEndian.Uint64(b))
	}
	return uint(new(big.Int).SetBytes(b).Uint64())
}
