// Package contentsigner provides protocol-level signers over token identities
package contentsigner

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509/pkix"
	"hash"
	"io"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/cryptotoken"
	"github.com/effective-security/xtoken/sigcodec"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "contentsigner")

// Backend signs with the Identity, implemented by *cryptotoken.Service
type Backend interface {
	SignWith(ctx context.Context, id *cryptotoken.Identity, mech cryptotoken.Mechanism, input []byte, opts crypto.SignerOpts) ([]byte, error)
}

// Resolver returns the current Identity of the slot and key,
// implemented by *cryptotoken.Service
type Resolver interface {
	Identity(slot cryptotoken.SlotRef, key cryptotoken.KeyID) (*cryptotoken.Identity, error)
}

// identityBackend signs directly with the Identity
type identityBackend struct{}

func (identityBackend) SignWith(ctx context.Context, id *cryptotoken.Identity, mech cryptotoken.Mechanism, input []byte, opts crypto.SignerOpts) ([]byte, error) {
	return id.Sign(ctx, mech, input, opts)
}

// Builder creates Signer for an Identity
type Builder struct {
	alg         Algorithm
	backend     Backend
	parallelism int
}

// NewBuilder returns Builder for the algorithm.
// If backend is nil, the Identity is used directly without reconnect handling.
// If backend implements Resolver, the Signer follows the Identity
// across reconnects of the token.
func NewBuilder(alg Algorithm, backend Backend) *Builder {
	if backend == nil {
		backend = identityBackend{}
	}
	return &Builder{
		alg:         alg,
		backend:     backend,
		parallelism: cryptotoken.DefaultParallelism,
	}
}

// WithParallelism sets the number of concurrent signers
func (b *Builder) WithParallelism(n int) *Builder {
	if n > 0 {
		b.parallelism = n
	}
	return b
}

// Build validates the algorithm against the Identity and returns Signer
func (b *Builder) Build(id *cryptotoken.Identity) (*Signer, error) {
	if id == nil {
		return nil, errors.New("identity is required")
	}
	info, ok := b.alg.info()
	if !ok {
		return nil, errors.Wrapf(cryptotoken.ErrAlgorithmMismatch, "unsupported algorithm: %d", b.alg)
	}
	if info.mechanism.Family() != id.Family() {
		return nil, errors.Wrapf(cryptotoken.ErrAlgorithmMismatch, "%s can not be used with %s key", b.alg, id.Family())
	}
	if !id.Supports(info.mechanism) {
		return nil, errors.Wrapf(cryptotoken.ErrMechanismMismatch, "%s is not allowed for key %s", info.mechanism, id.KeyID())
	}
	if !info.hash.Available() {
		return nil, errors.Errorf("hash is not available: %v", info.hash)
	}

	s := &Signer{
		alg:     b.alg,
		mech:    info.mechanism,
		backend: b.backend,
		pool:    make(chan *contentSigner, b.parallelism),
	}
	s.id.Store(id)
	for i := 0; i < b.parallelism; i++ {
		s.pool <- &contentSigner{
			s:    s,
			info: info,
			h:    info.hash.New(),
		}
	}
	logger.Debugf("alg=%s, key=%s, parallelism=%d", b.alg, id.KeyID(), b.parallelism)
	return s, nil
}

// contentSigner owns the hash state and produces one signature at a time
type contentSigner struct {
	s    *Signer
	info algorithmInfo
	h    hash.Hash
}

func (c *contentSigner) signData(ctx context.Context, data []byte) ([]byte, error) {
	c.h.Reset()
	_, _ = c.h.Write(data)
	return c.signDigest(ctx, c.h.Sum(nil))
}

func (c *contentSigner) signDigest(ctx context.Context, digest []byte) ([]byte, error) {
	if len(digest) != c.info.hash.Size() {
		return nil, errors.Wrapf(cryptotoken.ErrPadding, "digest length %d does not match %v", len(digest), c.info.hash)
	}
	switch c.info.mechanism {
	case cryptotoken.RSAPKCS1:
		info, err := sigcodec.DigestInfo(c.info.hash, digest)
		if err != nil {
			return nil, err
		}
		return c.s.signWith(ctx, info, c.info.hash)
	case cryptotoken.RSAPSS:
		return c.s.signWith(ctx, digest, &rsa.PSSOptions{
			Hash:       c.info.hash,
			SaltLength: c.info.hash.Size(),
		})
	default:
		return c.s.signWith(ctx, digest, c.info.hash)
	}
}

// Signer is a pool of content signers for one Identity and Algorithm,
// it implements crypto.Signer
type Signer struct {
	alg     Algorithm
	mech    cryptotoken.Mechanism
	backend Backend
	id      atomic.Pointer[cryptotoken.Identity]
	pool    chan *contentSigner
}

var _ crypto.Signer = (*Signer)(nil)

// Algorithm returns the signature algorithm
func (s *Signer) Algorithm() Algorithm {
	return s.alg
}

// Identity returns the current Identity of the signer
func (s *Signer) Identity() *cryptotoken.Identity {
	return s.id.Load()
}

// Public returns the public key
func (s *Signer) Public() crypto.PublicKey {
	return s.id.Load().PublicKey()
}

// signWith signs with the current Identity,
// a closed Identity is resolved again once
func (s *Signer) signWith(ctx context.Context, input []byte, opts crypto.SignerOpts) ([]byte, error) {
	id := s.id.Load()
	sig, err := s.backend.SignWith(ctx, id, s.mech, input, opts)
	if err == nil || !errors.Is(err, cryptotoken.ErrIdentityClosed) {
		return sig, err
	}

	cur, rerr := s.resolve(id)
	if rerr != nil {
		logger.KV(xlog.WARNING, "reason", "resolve", "key", id.KeyID(), "err", rerr.Error())
		return nil, err
	}
	return s.backend.SignWith(ctx, cur, s.mech, input, opts)
}

// resolve returns the Identity which replaced the closed one
func (s *Signer) resolve(stale *cryptotoken.Identity) (*cryptotoken.Identity, error) {
	r, ok := s.backend.(Resolver)
	if !ok {
		return nil, errors.New("backend does not resolve identities")
	}
	cur, err := r.Identity(cryptotoken.RefOf(stale.SlotID()), stale.KeyID())
	if err != nil {
		return nil, err
	}
	if !cryptotoken.PublicKeyEqual(cur.PublicKey(), stale.PublicKey()) {
		return nil, errors.Wrapf(cryptotoken.ErrUnknownIdentity, "public key of %s has changed", stale.KeyID())
	}
	if !cur.Supports(s.mech) {
		return nil, errors.Wrapf(cryptotoken.ErrMechanismMismatch, "%s is not allowed for key %s", s.mech, stale.KeyID())
	}
	s.id.CompareAndSwap(stale, cur)
	logger.KV(xlog.INFO, "alg", s.alg, "key", cur.KeyID(), "status", "resolved")
	return cur, nil
}

// AlgorithmIdentifier returns the X.509 AlgorithmIdentifier of the signature
func (s *Signer) AlgorithmIdentifier() (pkix.AlgorithmIdentifier, error) {
	return s.alg.AlgorithmIdentifier()
}

func (s *Signer) acquire(ctx context.Context) (*contentSigner, error) {
	select {
	case c := <-s.pool:
		return c, nil
	case <-ctx.Done():
		return nil, errors.Mark(errors.WithMessage(ctx.Err(), "waiting for signer"), cryptotoken.ErrSigning)
	}
}

// SignData hashes and signs the data
func (s *Signer) SignData(ctx context.Context, data []byte) ([]byte, error) {
	c, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { s.pool <- c }()
	return c.signData(ctx, data)
}

// SignDigest signs the digest of the algorithm hash
func (s *Signer) SignDigest(ctx context.Context, digest []byte) ([]byte, error) {
	c, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { s.pool <- c }()
	return c.signDigest(ctx, digest)
}

// Sign implements crypto.Signer, opts must specify the hash of the algorithm
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts != nil && opts.HashFunc() != s.alg.Hash() {
		return nil, errors.Wrapf(cryptotoken.ErrAlgorithmMismatch, "%v does not match %s", opts.HashFunc(), s.alg)
	}
	if pss, ok := opts.(*rsa.PSSOptions); ok && s.alg.Mechanism() != cryptotoken.RSAPSS {
		return nil, errors.Wrapf(cryptotoken.ErrAlgorithmMismatch, "PSS with %v is not supported by %s", pss.Hash, s.alg)
	}
	return s.SignDigest(context.Background(), digest)
}
