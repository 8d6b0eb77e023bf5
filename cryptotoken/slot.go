package cryptotoken

import (
	"bytes"
	"crypto/x509"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
)

// Slot holds Identities and certificates discovered in a token slot
type Slot struct {
	id         SlotID
	backend    SlotBackend
	identities []*Identity
	certs      []*x509.Certificate
}

// ID returns the slot identifier
func (s *Slot) ID() SlotID {
	return s.id
}

// Identities returns the keys of the slot
func (s *Slot) Identities() []*Identity {
	return slices.Clone(s.identities)
}

// Certificates returns all certificates stored in the slot
func (s *Slot) Certificates() []*x509.Certificate {
	return slices.Clone(s.certs)
}

// Find returns the Identity matching the key, or nil
func (s *Slot) Find(key KeyID) *Identity {
	for _, id := range s.identities {
		if key.Matches(id.key) {
			return id
		}
	}
	return nil
}

// Refresh discovers Identities and certificates of the slot.
// Keys which fail to load are logged and skipped,
// only communication errors are returned.
func (s *Slot) Refresh(owner *Token, allowed []Mechanism, parallelism int) error {
	certs, err := s.backend.Certificates()
	if err != nil {
		if IsCommunicationError(err) {
			return err
		}
		logger.KV(xlog.WARNING, "reason", "certificates", "slot", s.id, "err", err.Error())
		certs = nil
	}

	keys, err := s.backend.Keys()
	if err != nil {
		return errors.WithMessagef(err, "failed to list keys in slot %s", s.id)
	}

	var list []*Identity
	for _, entry := range keys {
		if entry.ID.IsEmpty() {
			logger.KV(xlog.WARNING, "reason", "no_key_id", "slot", s.id)
			continue
		}
		if dup := findDuplicate(list, entry.ID); dup != nil {
			logger.KV(xlog.WARNING, "reason", "duplicate_key", "slot", s.id,
				"key", entry.ID.String(), "existing", dup.key.String())
			continue
		}
		if len(entry.Chain) == 0 && entry.PublicKey != nil {
			entry.Chain = buildChain(entry.PublicKey, certs)
		}

		id, err := newIdentity(owner, s.id, entry, allowed, parallelism)
		if err != nil {
			if IsCommunicationError(err) {
				closeIdentities(list)
				return err
			}
			logger.KV(xlog.WARNING, "reason", "skip_key", "slot", s.id,
				"key", entry.ID.String(), "err", err.Error())
			continue
		}
		logger.KV(xlog.DEBUG, "slot", s.id, "key", entry.ID.String(),
			"alg", id.family, "bits", id.keyBits, "cert", len(entry.Chain) > 0)
		list = append(list, id)
	}

	old := s.identities
	s.identities = list
	s.certs = certs
	closeIdentities(old)
	return nil
}

func (s *Slot) close() {
	closeIdentities(s.identities)
}

func closeIdentities(list []*Identity) {
	for _, id := range list {
		id.close()
	}
}

// findDuplicate returns the Identity which has the same id or label as the key
func findDuplicate(list []*Identity, key KeyID) *Identity {
	for _, id := range list {
		if len(key.ID) > 0 && bytes.Equal(key.ID, id.key.ID) {
			return id
		}
		if key.Label != "" && key.Label == id.key.Label {
			return id
		}
	}
	return nil
}

// buildChain returns the chain for the public key from the certificates in the slot
func buildChain(pub any, certs []*x509.Certificate) []*x509.Certificate {
	var leaf *x509.Certificate
	for _, crt := range certs {
		if PublicKeyEqual(pub, crt.PublicKey) {
			leaf = crt
			break
		}
	}
	if leaf == nil {
		return nil
	}

	chain := []*x509.Certificate{leaf}
	for crt := leaf; !isSelfSigned(crt) && len(chain) <= len(certs); {
		issuer := findIssuer(crt, certs)
		if issuer == nil || slices.Contains(chain, issuer) {
			break
		}
		chain = append(chain, issuer)
		crt = issuer
	}
	return chain
}

func findIssuer(crt *x509.Certificate, certs []*x509.Certificate) *x509.Certificate {
	for _, c := range certs {
		if c == crt || !bytes.Equal(c.RawSubject, crt.RawIssuer) {
			continue
		}
		if len(crt.AuthorityKeyId) > 0 && len(c.SubjectKeyId) > 0 &&
			!bytes.Equal(crt.AuthorityKeyId, c.SubjectKeyId) {
			continue
		}
		if crt.CheckSignatureFrom(c) == nil {
			return c
		}
	}
	return nil
}

func isSelfSigned(crt *x509.Certificate) bool {
	return bytes.Equal(crt.RawSubject, crt.RawIssuer) && crt.CheckSignatureFrom(crt) == nil
}
