package cryptotoken

import (
	"context"
	"crypto"
	"crypto/dsa" // nolint: staticcheck
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/metricskey"
	"github.com/effective-security/xtoken/sigcodec"
)

// Identity is a private key in the token, with its public key
// and optional certificate chain
type Identity struct {
	module     string
	slot       SlotID
	key        KeyID
	pub        crypto.PublicKey
	family     KeyFamily
	keyBits    int
	operations Operations
	format     SignatureFormat
	mechanisms []Mechanism
	pool       *contextPool
	owner      *Token

	lock  sync.RWMutex
	chain []*x509.Certificate
}

// IdentityInfo describes the Identity
type IdentityInfo struct {
	Module         string      `json:"module"`
	Slot           SlotID      `json:"slot"`
	Key            KeyID       `json:"key"`
	Algorithm      string      `json:"algorithm"`
	KeyBits        int         `json:"key_bits"`
	Mechanisms     []Mechanism `json:"mechanisms"`
	HasCertificate bool        `json:"has_certificate"`
	Subject        string      `json:"subject,omitempty"`
}

func newIdentity(owner *Token, slot SlotID, entry *KeyEntry, allowed []Mechanism, parallelism int) (*Identity, error) {
	pub := entry.PublicKey
	if pub == nil && len(entry.Chain) > 0 {
		pub = entry.Chain[0].PublicKey
	}
	if pub == nil {
		return nil, errors.Errorf("public key not found: %s", entry.ID)
	}
	family, bits, err := FamilyOf(pub)
	if err != nil {
		return nil, err
	}
	if len(entry.Chain) > 0 && !PublicKeyEqual(pub, entry.Chain[0].PublicKey) {
		return nil, errors.Errorf("certificate does not match the public key: %s", entry.ID)
	}
	if entry.Open == nil {
		return nil, errors.Errorf("backend did not provide signing context: %s", entry.ID)
	}

	id := &Identity{
		slot:       slot,
		key:        entry.ID,
		pub:        pub,
		family:     family,
		keyBits:    bits,
		operations: entry.Operations,
		format:     entry.Format,
		chain:      entry.Chain,
		owner:      owner,
	}
	if owner != nil {
		id.module = owner.Name()
	}
	for _, m := range allowed {
		if id.supported(m) {
			id.mechanisms = append(id.mechanisms, m)
		}
	}
	if len(id.mechanisms) == 0 {
		return nil, errors.Wrapf(ErrMechanismMismatch, "no mechanisms available for key %s with operations [%s]",
			entry.ID, entry.Operations)
	}

	id.pool, err = newContextPool(parallelism, entry.Open)
	if err != nil {
		return nil, err
	}
	return id, nil
}

// SlotID returns the slot of the Identity
func (id *Identity) SlotID() SlotID {
	return id.slot
}

// KeyID returns the key of the Identity
func (id *Identity) KeyID() KeyID {
	return id.key
}

// Module returns the module name
func (id *Identity) Module() string {
	return id.module
}

// PublicKey returns the public key
func (id *Identity) PublicKey() crypto.PublicKey {
	return id.pub
}

// Family returns the key family
func (id *Identity) Family() KeyFamily {
	return id.family
}

// KeyBits returns the signature key size in bits
func (id *Identity) KeyBits() int {
	return id.keyBits
}

// Mechanisms returns allowed mechanisms
func (id *Identity) Mechanisms() []Mechanism {
	return slices.Clone(id.mechanisms)
}

// Supports returns true if the mechanism is allowed for the Identity
func (id *Identity) Supports(m Mechanism) bool {
	return slices.Contains(id.mechanisms, m)
}

// Certificate returns the certificate of the key, or nil
func (id *Identity) Certificate() *x509.Certificate {
	id.lock.RLock()
	defer id.lock.RUnlock()
	if len(id.chain) == 0 {
		return nil
	}
	return id.chain[0]
}

// CertificateChain returns the certificate chain, starting with the key's certificate
func (id *Identity) CertificateChain() []*x509.Certificate {
	id.lock.RLock()
	defer id.lock.RUnlock()
	return slices.Clone(id.chain)
}

// SetCertificates replaces the certificate chain,
// the first certificate must match the public key
func (id *Identity) SetCertificates(chain []*x509.Certificate) error {
	if len(chain) > 0 && !PublicKeyEqual(id.pub, chain[0].PublicKey) {
		return errors.Errorf("certificate does not match the public key: %s", id.key)
	}
	id.lock.Lock()
	id.chain = slices.Clone(chain)
	id.lock.Unlock()
	return nil
}

// Info returns description of the Identity
func (id *Identity) Info() IdentityInfo {
	info := IdentityInfo{
		Module:     id.module,
		Slot:       id.slot,
		Key:        id.key,
		Algorithm:  id.family.String(),
		KeyBits:    id.keyBits,
		Mechanisms: id.Mechanisms(),
	}
	if crt := id.Certificate(); crt != nil {
		info.HasCertificate = true
		info.Subject = crt.Subject.String()
	}
	return info
}

// Sign produces the signature with the mechanism.
// The input is the block for RSAX509, the data to be padded for RSAPKCS1,
// and the digest for all other mechanisms.
func (id *Identity) Sign(ctx context.Context, mech Mechanism, input []byte, opts crypto.SignerOpts) ([]byte, error) {
	if mech.Family() != id.family {
		return nil, errors.Wrapf(ErrMechanismMismatch, "%s can not be used with %s key", mech, id.family)
	}
	if !id.Supports(mech) {
		return nil, errors.Wrapf(ErrMechanismMismatch, "%s is not allowed for key %s", mech, id.key)
	}
	defer metricskey.PerfTokenSign.MeasureSince(time.Now(), id.module, mech.String())

	switch mech {
	case RSAX509:
		return id.signRaw(ctx, input)
	case RSAPKCS1:
		return id.signPKCS1(ctx, input, opts)
	case RSAPSS:
		return id.signPSS(ctx, input, opts)
	case ECDSAPlain, DSAPlain:
		return id.signPlain(ctx, input, opts)
	case ECDSAX962, DSAX962:
		plain, err := id.signPlain(ctx, input, opts)
		if err != nil {
			return nil, err
		}
		return sigcodec.PlainToASN1(plain)
	}
	return nil, errors.Wrapf(ErrMechanismMismatch, "unsupported mechanism: %d", mech)
}

func (id *Identity) keyBytes() int {
	return (id.keyBits + 7) / 8
}

func (id *Identity) signRaw(ctx context.Context, block []byte) ([]byte, error) {
	n := id.keyBytes()
	if len(block) > n {
		return nil, errors.Wrapf(ErrPadding, "input of %d bytes exceeds the key size of %d bytes", len(block), n)
	}
	if len(block) < n {
		padded := make([]byte, n)
		copy(padded[n-len(block):], block)
		block = padded
	}
	return id.invoke(ctx, OpRSAX509, block, nil)
}

func (id *Identity) signPKCS1(ctx context.Context, input []byte, opts crypto.SignerOpts) ([]byte, error) {
	if id.operations.Has(OpRSAX509) {
		block, err := sigcodec.PKCS1Pad(input, id.keyBytes())
		if err != nil {
			return nil, err
		}
		return id.invoke(ctx, OpRSAX509, block, nil)
	}
	if len(input)+3 > id.keyBytes() {
		return nil, errors.Wrapf(ErrPadding, "input of %d bytes is too long for the key", len(input))
	}
	return id.invoke(ctx, OpRSAPKCS1, input, opts)
}

func (id *Identity) signPSS(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	var hash crypto.Hash
	if opts != nil {
		hash = opts.HashFunc()
	}
	if hash == 0 {
		h, err := sigcodec.HashForDigestSize(len(digest))
		if err != nil {
			return nil, errors.Wrap(ErrPadding, err.Error())
		}
		hash = h
	}
	if len(digest) != hash.Size() {
		return nil, errors.Wrapf(ErrPadding, "digest length %d does not match %v", len(digest), hash)
	}

	pssOpts, _ := opts.(*rsa.PSSOptions)
	pss := &rsa.PSSOptions{
		Hash:       hash,
		SaltLength: sigcodec.PSSSaltLength(pssOpts, hash),
	}

	if id.operations.Has(OpRSAPSS) {
		return id.invoke(ctx, OpRSAPSS, digest, pss)
	}

	em, err := sigcodec.EncodePSS(rand.Reader, digest, hash, pss.SaltLength, id.keyBits)
	if err != nil {
		return nil, err
	}
	return id.signRaw(ctx, em)
}

// signPlain returns r||s signature of the truncated digest
func (id *Identity) signPlain(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if len(digest) == 0 {
		return nil, errors.Wrap(ErrPadding, "empty digest")
	}
	sig, err := id.invoke(ctx, OpDSS, sigcodec.Truncate(digest, id.keyBits), opts)
	if err != nil {
		return nil, err
	}

	n := id.keyBytes()
	if id.format == FormatDER {
		plain, err := sigcodec.ASN1ToPlain(sig, n)
		if err != nil {
			return nil, signingError(err, "invalid signature returned by token")
		}
		return plain, nil
	}
	if len(sig) != 2*n {
		return nil, errors.Wrapf(ErrSigning, "invalid signature length returned by token: %d", len(sig))
	}
	return sig, nil
}

// invoke performs the operation with a pooled context
func (id *Identity) invoke(ctx context.Context, op Operation, input []byte, opts crypto.SignerOpts) ([]byte, error) {
	if !id.operations.Has(op) {
		return nil, errors.Wrapf(ErrMechanismMismatch, "%s is not supported by token", op)
	}

	c, err := id.pool.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer id.pool.release(c)

	sig, err := c.Sign(op, input, opts)
	if err != nil {
		logger.Errorf("module=%s, slot=%s, key=%s, op=%s, err=[%+v]",
			id.module, id.slot, id.key, op, err)
		return nil, signingError(err, "%s failed with key %s", op, id.key)
	}
	return sig, nil
}

// supported returns true if the backend operations can serve the mechanism
func (id *Identity) supported(m Mechanism) bool {
	if m.Family() != id.family {
		return false
	}
	ops := id.operations
	switch m {
	case RSAX509:
		return ops.Has(OpRSAX509)
	case RSAPKCS1:
		return ops.Has(OpRSAX509) || ops.Has(OpRSAPKCS1)
	case RSAPSS:
		return ops.Has(OpRSAX509) || ops.Has(OpRSAPSS)
	default:
		return ops.Has(OpDSS)
	}
}

func (id *Identity) close() {
	if id.pool != nil {
		id.pool.close()
	}
}

type equalKey interface {
	Equal(crypto.PublicKey) bool
}

// PublicKeyEqual reports whether both public keys are the same,
// DSA keys are compared by their parameters
func PublicKeyEqual(a, b crypto.PublicKey) bool {
	if a == nil || b == nil {
		return false
	}
	if da, ok := a.(*dsa.PublicKey); ok {
		db, ok := b.(*dsa.PublicKey)
		return ok && da.Y.Cmp(db.Y) == 0 &&
			da.P.Cmp(db.P) == 0 && da.Q.Cmp(db.Q) == 0 && da.G.Cmp(db.G) == 0
	}
	if ka, ok := a.(equalKey); ok {
		return ka.Equal(b)
	}
	return false
}
