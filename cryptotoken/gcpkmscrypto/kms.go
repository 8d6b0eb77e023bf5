// Package gcpkmscrypto implements the token backend over Google Cloud KMS
package gcpkmscrypto

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"hash/crc32"
	"os"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/certutil"
	"github.com/effective-security/xtoken/cryptotoken"
	"github.com/effective-security/xtoken/metricskey"
	"github.com/effective-security/xtoken/sigcodec"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "gcpkmscrypto")

// BackendType specifies the backend type
const BackendType = "gcpkms"

// DefaultTimeout for KMS requests
const DefaultTimeout = 30 * time.Second

// ErrModuleClosed is returned when the module is closed
var ErrModuleClosed = errors.New("GCP KMS module is closed")

var crc32c = crc32.MakeTable(crc32.Castagnoli)

func init() {
	_ = cryptotoken.Register(BackendType, Load)
}

// Module exposes asymmetric signing keys of the key ring as a single slot
type Module struct {
	name    string
	keyRing string
	timeout time.Duration
	client  KmsClient
	closed  atomic.Bool
}

// Load returns the Module for the configuration
func Load(cfg *cryptotoken.ModuleConfig) (cryptotoken.Module, error) {
	return Open(cfg)
}

// Open creates Cloud KMS client.
// Supported attributes: KeyRing, Endpoint, CredentialsFile, Timeout.
// GOOGLE_OAUTH_ACCESS_TOKEN environment variable overrides default credentials.
func Open(cfg *cryptotoken.ModuleConfig) (*Module, error) {
	attrs := cryptotoken.ParseAttributes(cfg.Attributes)
	m := &Module{
		name:    cfg.Name,
		keyRing: attrs["KeyRing"],
		timeout: DefaultTimeout,
	}
	if m.keyRing == "" {
		return nil, errors.Errorf("KeyRing attribute is required: %s", cfg.Name)
	}
	if v := attrs["Timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.Errorf("invalid Timeout: %q", v)
		}
		m.timeout = d
	}

	ctx, cancel := m.context()
	defer cancel()

	c, err := KmsClientFactory(ctx, ClientOptions{
		Endpoint:        attrs["Endpoint"],
		CredentialsFile: attrs["CredentialsFile"],
		AccessToken:     os.Getenv("GOOGLE_OAUTH_ACCESS_TOKEN"),
	})
	if err != nil {
		return nil, errors.WithMessagef(classify(err), "unable to create KMS client: %s", cfg.Name)
	}
	m.client = c

	logger.KV(xlog.INFO, "module", cfg.Name, "key_ring", m.keyRing)
	return m, nil
}

// Name returns the module name
func (m *Module) Name() string {
	return m.name
}

// Slots returns the single KMS slot
func (m *Module) Slots() ([]cryptotoken.SlotBackend, error) {
	if m.closed.Load() {
		return nil, cryptotoken.CommunicationError(ErrModuleClosed)
	}
	return []cryptotoken.SlotBackend{&slot{m: m}}, nil
}

// Close closes the KMS client
func (m *Module) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return errors.WithStack(m.client.Close())
}

func (m *Module) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.timeout)
}

// classify returns the error marked as communication failure,
// if the service is not reachable
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return cryptotoken.CommunicationError(errors.WithStack(err))
	}
	switch status.Code(errors.UnwrapAll(err)) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Internal:
		return cryptotoken.CommunicationError(errors.WithStack(err))
	}
	return errors.WithStack(err)
}

type slot struct {
	m *Module
}

func (s *slot) SlotID() cryptotoken.SlotID {
	return cryptotoken.SlotID{}
}

// Certificates returns nil, KMS does not store certificates
func (s *slot) Certificates() ([]*x509.Certificate, error) {
	return nil, nil
}

// Keys returns enabled versions of asymmetric signing keys
func (s *slot) Keys() ([]*cryptotoken.KeyEntry, error) {
	defer metricskey.PerfBackendOperation.MeasureSince(time.Now(), BackendType, "list_keys")

	ctx, cancel := s.m.context()
	defer cancel()

	keys, err := s.m.client.ListKeys(ctx, s.m.keyRing)
	if err != nil {
		return nil, errors.WithMessagef(classify(err), "failed to list keys in %s", s.m.keyRing)
	}

	var list []*cryptotoken.KeyEntry
	for _, k := range keys {
		if k.Purpose != kmspb.CryptoKey_ASYMMETRIC_SIGN {
			continue
		}
		versions, err := s.m.client.ListVersions(ctx, k.Name)
		if err != nil {
			return nil, errors.WithMessagef(classify(err), "failed to list versions of %s", k.Name)
		}
		for _, v := range versions {
			if v.State != kmspb.CryptoKeyVersion_ENABLED {
				continue
			}
			entry, err := s.keyEntry(ctx, v)
			if err != nil {
				if cryptotoken.IsCommunicationError(err) {
					return nil, err
				}
				logger.KV(xlog.WARNING, "reason", "skip_key", "id", v.Name, "err", err.Error())
				continue
			}
			list = append(list, entry)
		}
	}
	return list, nil
}

func (s *slot) keyEntry(ctx context.Context, v *kmspb.CryptoKeyVersion) (*cryptotoken.KeyEntry, error) {
	algo, err := parseAlgorithm(v.Algorithm)
	if err != nil {
		return nil, err
	}

	resp, err := s.m.client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{Name: v.Name})
	if err != nil {
		return nil, errors.WithMessagef(classify(err), "failed to get public key: %s", v.Name)
	}
	if resp.PemCrc32C != nil && int64(crc32.Checksum([]byte(resp.Pem), crc32c)) != resp.PemCrc32C.Value {
		return nil, errors.Errorf("public key checksum mismatch: %s", v.Name)
	}
	pub, err := certutil.ParsePublicKeyPEM([]byte(resp.Pem))
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid public key: %s", v.Name)
	}

	entry := &cryptotoken.KeyEntry{
		ID: cryptotoken.KeyID{
			ID:    []byte(v.Name),
			Label: versionLabel(v.Name),
		},
		PublicKey:  pub,
		Operations: cryptotoken.Operations(0).With(algo.op),
		Format:     cryptotoken.FormatDER,
	}
	signer := &signContext{m: s.m, name: v.Name, algo: algo, pub: pub}
	entry.Open = func() (cryptotoken.Context, error) {
		return signer, nil
	}
	logger.KV(xlog.DEBUG, "id", v.Name, "label", entry.ID.Label, "algo", v.Algorithm.String())
	return entry, nil
}

// versionLabel returns "key/version" from the version resource name
func versionLabel(name string) string {
	version := path.Base(name)
	key := path.Base(path.Dir(path.Dir(name)))
	return key + "/" + version
}

// algorithm describes the version algorithm
type algorithm struct {
	op cryptotoken.Operation
	// hash is zero for raw PKCS#1
	hash crypto.Hash
}

func parseAlgorithm(a kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm) (algorithm, error) {
	name := a.String()
	var res algorithm
	switch {
	case strings.HasPrefix(name, "RSA_SIGN_RAW_PKCS1_"):
		res.op = cryptotoken.OpRSAPKCS1
		return res, nil
	case strings.HasPrefix(name, "RSA_SIGN_PKCS1_"):
		res.op = cryptotoken.OpRSAPKCS1
	case strings.HasPrefix(name, "RSA_SIGN_PSS_"):
		res.op = cryptotoken.OpRSAPSS
	case strings.HasPrefix(name, "EC_SIGN_P"):
		res.op = cryptotoken.OpDSS
	default:
		return res, errors.Errorf("unsupported algorithm: %s", name)
	}

	switch {
	case strings.HasSuffix(name, "_SHA256"):
		res.hash = crypto.SHA256
	case strings.HasSuffix(name, "_SHA384"):
		res.hash = crypto.SHA384
	case strings.HasSuffix(name, "_SHA512"):
		res.hash = crypto.SHA512
	default:
		return res, errors.Errorf("unsupported algorithm: %s", name)
	}
	return res, nil
}

type signContext struct {
	m    *Module
	name string
	algo algorithm
	pub  crypto.PublicKey
}

func (c *signContext) Sign(op cryptotoken.Operation, input []byte, opts crypto.SignerOpts) ([]byte, error) {
	if op != c.algo.op {
		return nil, errors.Errorf("%s is not supported by %s", op, c.name)
	}

	req := &kmspb.AsymmetricSignRequest{Name: c.name}
	switch op {
	case cryptotoken.OpRSAPKCS1:
		if c.algo.hash == 0 {
			req.Data = input
			req.DataCrc32C = wrapperspb.Int64(int64(crc32.Checksum(input, crc32c)))
			return c.sign(req)
		}
		hash, digest, err := sigcodec.ParseDigestInfo(input)
		if err != nil {
			return nil, err
		}
		if hash != c.algo.hash {
			return nil, errors.Errorf("%v is not supported by %s", hash, c.name)
		}
		return c.signDigest(req, digest)
	case cryptotoken.OpRSAPSS:
		pss, ok := opts.(*rsa.PSSOptions)
		if !ok {
			return nil, errors.New("PSS options are required")
		}
		if pss.Hash != c.algo.hash {
			return nil, errors.Errorf("%v is not supported by %s", pss.Hash, c.name)
		}
		if pss.SaltLength != pss.Hash.Size() && pss.SaltLength != rsa.PSSSaltLengthEqualsHash {
			return nil, errors.Errorf("KMS supports only salt length of the hash size: %d", pss.SaltLength)
		}
		return c.signDigest(req, input)
	case cryptotoken.OpDSS:
		if _, ok := c.pub.(*ecdsa.PublicKey); !ok {
			return nil, errors.New("DSS requires ECDSA key")
		}
		size := c.algo.hash.Size()
		if len(input) > size {
			return nil, errors.Errorf("digest is too long: %d", len(input))
		}
		// leading zeros keep the integer value of the digest
		digest := make([]byte, size)
		copy(digest[size-len(input):], input)
		return c.signDigest(req, digest)
	}
	return nil, errors.Errorf("unsupported operation: %s", op)
}

func (c *signContext) signDigest(req *kmspb.AsymmetricSignRequest, digest []byte) ([]byte, error) {
	if len(digest) != c.algo.hash.Size() {
		return nil, errors.Errorf("invalid digest length for %v: %d", c.algo.hash, len(digest))
	}
	switch c.algo.hash {
	case crypto.SHA256:
		req.Digest = &kmspb.Digest{Digest: &kmspb.Digest_Sha256{Sha256: digest}}
	case crypto.SHA384:
		req.Digest = &kmspb.Digest{Digest: &kmspb.Digest_Sha384{Sha384: digest}}
	case crypto.SHA512:
		req.Digest = &kmspb.Digest{Digest: &kmspb.Digest_Sha512{Sha512: digest}}
	}
	req.DigestCrc32C = wrapperspb.Int64(int64(crc32.Checksum(digest, crc32c)))
	return c.sign(req)
}

func (c *signContext) sign(req *kmspb.AsymmetricSignRequest) ([]byte, error) {
	defer metricskey.PerfBackendOperation.MeasureSince(time.Now(), BackendType, "sign")

	ctx, cancel := c.m.context()
	defer cancel()

	resp, err := c.m.client.AsymmetricSign(ctx, req)
	if err != nil {
		logger.KV(xlog.ERROR, "id", c.name, "err", err.Error())
		return nil, errors.WithMessage(classify(err), "unable to sign")
	}
	if req.DigestCrc32C != nil && !resp.VerifiedDigestCrc32C {
		return nil, errors.Errorf("digest checksum was not verified: %s", c.name)
	}
	if req.DataCrc32C != nil && !resp.VerifiedDataCrc32C {
		return nil, errors.Errorf("data checksum was not verified: %s", c.name)
	}
	if resp.Name != req.Name {
		return nil, errors.Errorf("unexpected key in response: %s", resp.Name)
	}
	if resp.SignatureCrc32C == nil || int64(crc32.Checksum(resp.Signature, crc32c)) != resp.SignatureCrc32C.Value {
		return nil, errors.Errorf("signature checksum mismatch: %s", c.name)
	}
	return resp.Signature, nil
}

func (c *signContext) Close() error {
	return nil
}
