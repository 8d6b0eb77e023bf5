package cryptotoken

import (
	"crypto"
	"crypto/x509"
	"strings"
)

// Module is a connection to the token, provided by a backend
type Module interface {
	// Name returns the name of the module
	Name() string
	// Slots returns the available slots
	Slots() ([]SlotBackend, error)
	// Close releases the native handles of the module
	Close() error
}

// SlotBackend provides keys and certificates stored in the slot
type SlotBackend interface {
	SlotID() SlotID
	Keys() ([]*KeyEntry, error)
	Certificates() ([]*x509.Certificate, error)
}

// KeyEntry describes a private key discovered in the slot
type KeyEntry struct {
	ID KeyID
	// PublicKey of the key, if nil the public key of Chain[0] is used
	PublicKey crypto.PublicKey
	// Chain is the optional certificate chain, starting with the key's certificate
	Chain []*x509.Certificate
	// Operations supported by the backend for the key
	Operations Operations
	// Format of the signature returned by OpDSS
	Format SignatureFormat
	// Open returns a new signing context for the key
	Open func() (Context, error)
}

// Context is a native signing context.
// A Context is used by one caller at a time.
type Context interface {
	// Sign performs the operation on the input.
	// For OpRSAX509 the input is the block of the key size,
	// for OpRSAPKCS1 the input is DigestInfo,
	// for OpRSAPSS the input is digest and opts is *rsa.PSSOptions,
	// for OpDSS the input is the truncated digest.
	Sign(op Operation, input []byte, opts crypto.SignerOpts) ([]byte, error)
	Close() error
}

// Operation is a native signing operation
type Operation uint

// Operations
const (
	// OpRSAX509 is raw RSA
	OpRSAX509 Operation = 1 << iota
	// OpRSAPKCS1 is PKCS#1 v1.5 signature over DigestInfo
	OpRSAPKCS1
	// OpRSAPSS is PSS signature over digest
	OpRSAPSS
	// OpDSS is DSA or ECDSA signature over digest
	OpDSS
)

func (op Operation) String() string {
	switch op {
	case OpRSAX509:
		return "rsa_x509"
	case OpRSAPKCS1:
		return "rsa_pkcs1"
	case OpRSAPSS:
		return "rsa_pss"
	case OpDSS:
		return "dss"
	}
	return "unknown"
}

// Operations is a set of Operation
type Operations uint

// Has returns true if op is in the set
func (ops Operations) Has(op Operation) bool {
	return uint(ops)&uint(op) != 0
}

// With returns the set with op added
func (ops Operations) With(op Operation) Operations {
	return Operations(uint(ops) | uint(op))
}

func (ops Operations) String() string {
	var list []string
	for _, op := range []Operation{OpRSAX509, OpRSAPKCS1, OpRSAPSS, OpDSS} {
		if ops.Has(op) {
			list = append(list, op.String())
		}
	}
	return strings.Join(list, ",")
}

// SignatureFormat specifies how the backend returns DSS signatures
type SignatureFormat int

// Signature formats
const (
	// FormatPlain is r||s
	FormatPlain SignatureFormat = iota
	// FormatDER is SEQUENCE { r INTEGER, s INTEGER }
	FormatDER
)
