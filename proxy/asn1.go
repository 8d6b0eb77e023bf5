package proxy

import (
	"crypto"
	"crypto/x509"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/certutil"
	"github.com/effective-security/xtoken/cryptotoken"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ErrMalformed is returned when a request or response can not be decoded
var ErrMalformed = errors.New("malformed message")

var tagExplicit1 = cbasn1.Tag(1).Constructed().ContextSpecific()

// SlotAndKey identifies a key in a slot
type SlotAndKey struct {
	Slot cryptotoken.SlotRef
	Key  cryptotoken.KeyID
}

// PSOTemplate is the payload of a sign operation
type PSOTemplate struct {
	SlotAndKey
	Message []byte
}

// Entry describes an Identity in the list response
type Entry struct {
	SlotAndKey
	PublicKey  crypto.PublicKey
	Mechanisms []cryptotoken.Mechanism
}

//	SlotIdentifier ::= SEQUENCE {
//	  slotIndex INTEGER OPTIONAL,
//	  slotId    [1] EXPLICIT INTEGER OPTIONAL }
func addSlotIdentifier(b *cryptobyte.Builder, s cryptotoken.SlotRef) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		if s.HasIndex {
			b.AddASN1Int64(int64(s.Index))
		}
		if s.HasID {
			b.AddASN1(tagExplicit1, func(b *cryptobyte.Builder) {
				b.AddASN1Uint64(uint64(s.ID))
			})
		}
	})
}

func readSlotIdentifier(in *cryptobyte.String) (cryptotoken.SlotRef, error) {
	var s cryptotoken.SlotRef
	var seq cryptobyte.String
	if !in.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return s, errors.Wrap(ErrMalformed, "invalid SlotIdentifier")
	}
	if seq.PeekASN1Tag(cbasn1.INTEGER) {
		var index int64
		if !seq.ReadASN1Integer(&index) || index < 0 || int64(int(index)) != index {
			return s, errors.Wrap(ErrMalformed, "invalid slotIndex")
		}
		s.Index = int(index)
		s.HasIndex = true
	}
	var field cryptobyte.String
	if !seq.ReadOptionalASN1(&field, &s.HasID, tagExplicit1) {
		return s, errors.Wrap(ErrMalformed, "invalid slotId")
	}
	if s.HasID {
		var id uint64
		if !field.ReadASN1Integer(&id) || !field.Empty() || uint64(uint(id)) != id {
			return s, errors.Wrap(ErrMalformed, "invalid slotId")
		}
		s.ID = uint(id)
	}
	if !seq.Empty() {
		return s, errors.Wrap(ErrMalformed, "trailing data in SlotIdentifier")
	}
	if !s.HasIndex && !s.HasID {
		return s, errors.Wrap(ErrMalformed, "SlotIdentifier must have slotIndex or slotId")
	}
	return s, nil
}

//	KeyIdentifier ::= SEQUENCE {
//	  keyId    OCTET STRING OPTIONAL,
//	  keyLabel [1] EXPLICIT UTF8String OPTIONAL }
func addKeyIdentifier(b *cryptobyte.Builder, k cryptotoken.KeyID) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		if len(k.ID) > 0 {
			b.AddASN1OctetString(k.ID)
		}
		if k.Label != "" {
			b.AddASN1(tagExplicit1, func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.UTF8String, func(b *cryptobyte.Builder) {
					b.AddBytes([]byte(k.Label))
				})
			})
		}
	})
}

func readKeyIdentifier(in *cryptobyte.String) (cryptotoken.KeyID, error) {
	var k cryptotoken.KeyID
	var seq cryptobyte.String
	if !in.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return k, errors.Wrap(ErrMalformed, "invalid KeyIdentifier")
	}
	if seq.PeekASN1Tag(cbasn1.OCTET_STRING) {
		var id cryptobyte.String
		if !seq.ReadASN1(&id, cbasn1.OCTET_STRING) || len(id) == 0 {
			return k, errors.Wrap(ErrMalformed, "invalid keyId")
		}
		k.ID = append([]byte{}, id...)
	}
	var field cryptobyte.String
	var hasLabel bool
	if !seq.ReadOptionalASN1(&field, &hasLabel, tagExplicit1) {
		return k, errors.Wrap(ErrMalformed, "invalid keyLabel")
	}
	if hasLabel {
		var label cryptobyte.String
		if !field.ReadASN1(&label, cbasn1.UTF8String) || !field.Empty() ||
			len(label) == 0 || !utf8.Valid(label) {
			return k, errors.Wrap(ErrMalformed, "invalid keyLabel")
		}
		k.Label = string(label)
	}
	if !seq.Empty() {
		return k, errors.Wrap(ErrMalformed, "trailing data in KeyIdentifier")
	}
	if k.IsEmpty() {
		return k, errors.Wrap(ErrMalformed, "KeyIdentifier must have keyId or keyLabel")
	}
	return k, nil
}

//	SlotAndKeyIdentifier ::= SEQUENCE {
//	  slotIdentifier SlotIdentifier,
//	  keyIdentifier  KeyIdentifier }
func addSlotAndKey(b *cryptobyte.Builder, sk SlotAndKey) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addSlotIdentifier(b, sk.Slot)
		addKeyIdentifier(b, sk.Key)
	})
}

func readSlotAndKey(in *cryptobyte.String) (SlotAndKey, error) {
	var sk SlotAndKey
	var seq cryptobyte.String
	if !in.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return sk, errors.Wrap(ErrMalformed, "invalid SlotAndKeyIdentifier")
	}
	var err error
	if sk.Slot, err = readSlotIdentifier(&seq); err != nil {
		return sk, err
	}
	if sk.Key, err = readKeyIdentifier(&seq); err != nil {
		return sk, err
	}
	if !seq.Empty() {
		return sk, errors.Wrap(ErrMalformed, "trailing data in SlotAndKeyIdentifier")
	}
	return sk, nil
}

func validateSlot(s cryptotoken.SlotRef) error {
	if !s.HasIndex && !s.HasID {
		return errors.Wrap(ErrMalformed, "slot index or id must be specified")
	}
	if s.HasIndex && s.Index < 0 {
		return errors.Wrapf(ErrMalformed, "invalid slot index: %d", s.Index)
	}
	return nil
}

func validateSlotAndKey(sk SlotAndKey) error {
	if err := validateSlot(sk.Slot); err != nil {
		return err
	}
	if sk.Key.IsEmpty() {
		return errors.Wrap(ErrMalformed, "key id or label must be specified")
	}
	return nil
}

// read decodes exactly one element from the message
func read[T any](msg []byte, what string, fn func(*cryptobyte.String) (T, error)) (T, error) {
	in := cryptobyte.String(msg)
	v, err := fn(&in)
	if err != nil {
		return v, err
	}
	if !in.Empty() {
		return v, errors.Wrapf(ErrMalformed, "trailing data after %s", what)
	}
	return v, nil
}

func build(fn func(b *cryptobyte.Builder)) ([]byte, error) {
	var b cryptobyte.Builder
	fn(&b)
	der, err := b.Bytes()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return der, nil
}

// MarshalSlotIdentifier returns DER encoded SlotIdentifier
func MarshalSlotIdentifier(s cryptotoken.SlotRef) ([]byte, error) {
	if err := validateSlot(s); err != nil {
		return nil, err
	}
	return build(func(b *cryptobyte.Builder) { addSlotIdentifier(b, s) })
}

// ParseSlotIdentifier decodes SlotIdentifier
func ParseSlotIdentifier(der []byte) (cryptotoken.SlotRef, error) {
	return read(der, "SlotIdentifier", readSlotIdentifier)
}

// MarshalKeyIdentifier returns DER encoded KeyIdentifier
func MarshalKeyIdentifier(k cryptotoken.KeyID) ([]byte, error) {
	if k.IsEmpty() {
		return nil, errors.Wrap(ErrMalformed, "key id or label must be specified")
	}
	return build(func(b *cryptobyte.Builder) { addKeyIdentifier(b, k) })
}

// ParseKeyIdentifier decodes KeyIdentifier
func ParseKeyIdentifier(der []byte) (cryptotoken.KeyID, error) {
	return read(der, "KeyIdentifier", readKeyIdentifier)
}

// MarshalSlotAndKey returns DER encoded SlotAndKeyIdentifier
func MarshalSlotAndKey(sk SlotAndKey) ([]byte, error) {
	if err := validateSlotAndKey(sk); err != nil {
		return nil, err
	}
	return build(func(b *cryptobyte.Builder) { addSlotAndKey(b, sk) })
}

// ParseSlotAndKey decodes SlotAndKeyIdentifier
func ParseSlotAndKey(der []byte) (SlotAndKey, error) {
	return read(der, "SlotAndKeyIdentifier", readSlotAndKey)
}

// MarshalPSOTemplate returns DER encoded PSOTemplate:
//
//	PSOTemplate ::= SEQUENCE {
//	  slotAndKeyIdentifier SlotAndKeyIdentifier,
//	  message              OCTET STRING }
func MarshalPSOTemplate(t *PSOTemplate) ([]byte, error) {
	if err := validateSlotAndKey(t.SlotAndKey); err != nil {
		return nil, err
	}
	return build(func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			addSlotAndKey(b, t.SlotAndKey)
			b.AddASN1OctetString(t.Message)
		})
	})
}

// ParsePSOTemplate decodes PSOTemplate
func ParsePSOTemplate(der []byte) (*PSOTemplate, error) {
	return read(der, "PSOTemplate", func(in *cryptobyte.String) (*PSOTemplate, error) {
		var seq cryptobyte.String
		if !in.ReadASN1(&seq, cbasn1.SEQUENCE) {
			return nil, errors.Wrap(ErrMalformed, "invalid PSOTemplate")
		}
		sk, err := readSlotAndKey(&seq)
		if err != nil {
			return nil, err
		}
		var msg cryptobyte.String
		if !seq.ReadASN1(&msg, cbasn1.OCTET_STRING) || !seq.Empty() {
			return nil, errors.Wrap(ErrMalformed, "invalid message")
		}
		return &PSOTemplate{SlotAndKey: sk, Message: append([]byte{}, msg...)}, nil
	})
}

//	IdentityList ::= SEQUENCE OF SEQUENCE {
//	  slotAndKeyIdentifier SlotAndKeyIdentifier,
//	  publicKey            SubjectPublicKeyInfo,
//	  mechanisms           SEQUENCE OF UTF8String }
func marshalEntries(list []*Entry) ([]byte, error) {
	spkis := make([][]byte, len(list))
	for i, e := range list {
		der, err := certutil.MarshalPKIXPublicKey(e.PublicKey)
		if err != nil {
			return nil, err
		}
		spkis[i] = der
	}
	return build(func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			for i, e := range list {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					addSlotAndKey(b, e.SlotAndKey)
					b.AddBytes(spkis[i])
					b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
						for _, m := range e.Mechanisms {
							b.AddASN1(cbasn1.UTF8String, func(b *cryptobyte.Builder) {
								b.AddBytes([]byte(m.String()))
							})
						}
					})
				})
			}
		})
	})
}

func parseEntries(der []byte) ([]*Entry, error) {
	return read(der, "IdentityList", func(in *cryptobyte.String) ([]*Entry, error) {
		var seq cryptobyte.String
		if !in.ReadASN1(&seq, cbasn1.SEQUENCE) {
			return nil, errors.Wrap(ErrMalformed, "invalid IdentityList")
		}
		var list []*Entry
		for !seq.Empty() {
			var item, spki, mechs cryptobyte.String
			if !seq.ReadASN1(&item, cbasn1.SEQUENCE) {
				return nil, errors.Wrap(ErrMalformed, "invalid IdentityList entry")
			}
			sk, err := readSlotAndKey(&item)
			if err != nil {
				return nil, err
			}
			if !item.ReadASN1Element(&spki, cbasn1.SEQUENCE) ||
				!item.ReadASN1(&mechs, cbasn1.SEQUENCE) || !item.Empty() {
				return nil, errors.Wrap(ErrMalformed, "invalid IdentityList entry")
			}
			pub, err := x509.ParsePKIXPublicKey(spki)
			if err != nil {
				return nil, errors.Mark(errors.WithMessage(err, "invalid public key"), ErrMalformed)
			}
			e := &Entry{SlotAndKey: sk, PublicKey: pub}
			for !mechs.Empty() {
				var name cryptobyte.String
				if !mechs.ReadASN1(&name, cbasn1.UTF8String) {
					return nil, errors.Wrap(ErrMalformed, "invalid mechanism")
				}
				// mechanisms unknown to this side are skipped
				if m, err := cryptotoken.ParseMechanism(string(name)); err == nil {
					e.Mechanisms = append(e.Mechanisms, m)
				}
			}
			list = append(list, e)
		}
		return list, nil
	})
}

//	CertificateChain ::= SEQUENCE OF Certificate
func marshalChain(chain []*x509.Certificate) ([]byte, error) {
	return build(func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			for _, crt := range chain {
				b.AddBytes(crt.Raw)
			}
		})
	})
}

func parseChain(der []byte) ([]*x509.Certificate, error) {
	return read(der, "CertificateChain", func(in *cryptobyte.String) ([]*x509.Certificate, error) {
		var seq cryptobyte.String
		if !in.ReadASN1(&seq, cbasn1.SEQUENCE) {
			return nil, errors.Wrap(ErrMalformed, "invalid CertificateChain")
		}
		var chain []*x509.Certificate
		for !seq.Empty() {
			var raw cryptobyte.String
			if !seq.ReadASN1Element(&raw, cbasn1.SEQUENCE) {
				return nil, errors.Wrap(ErrMalformed, "invalid certificate")
			}
			crt, err := x509.ParseCertificate(raw)
			if err != nil {
				return nil, errors.Mark(errors.WithMessage(err, "invalid certificate"), ErrMalformed)
			}
			chain = append(chain, crt)
		}
		return chain, nil
	})
}
