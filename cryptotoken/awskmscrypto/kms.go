// Package awskmscrypto implements the token backend over AWS KMS
package awskmscrypto

import (
	"context"
	"crypto/x509"
	"os"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/cryptotoken"
	"github.com/effective-security/xtoken/metricskey"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "awskmscrypto")

// BackendType specifies the backend type
const BackendType = "awskms"

// DefaultTimeout for KMS requests
const DefaultTimeout = 30 * time.Second

// ErrModuleClosed is returned when the module is closed
var ErrModuleClosed = errors.New("AWS KMS module is closed")

func init() {
	_ = cryptotoken.Register(BackendType, Load)
}

// KmsClient interface
type KmsClient interface {
	ListKeys(context.Context, *kms.ListKeysInput, ...func(*kms.Options)) (*kms.ListKeysOutput, error)
	DescribeKey(context.Context, *kms.DescribeKeyInput, ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	GetPublicKey(context.Context, *kms.GetPublicKeyInput, ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(context.Context, *kms.SignInput, ...func(*kms.Options)) (*kms.SignOutput, error)
}

// KmsClientFactory override for unittest
var KmsClientFactory = func(cfg aws.Config, optFns ...func(*kms.Options)) KmsClient {
	return kms.NewFromConfig(cfg, optFns...)
}

// Module exposes KMS signing keys as a single slot
type Module struct {
	name     string
	region   string
	endpoint string
	timeout  time.Duration
	client   KmsClient
	closed   atomic.Bool
}

// Load returns the Module for the configuration
func Load(cfg *cryptotoken.ModuleConfig) (cryptotoken.Module, error) {
	return Open(cfg)
}

// Open configures KMS client.
// Supported attributes: Region, Endpoint, Timeout
func Open(cfg *cryptotoken.ModuleConfig) (*Module, error) {
	attrs := cryptotoken.ParseAttributes(cfg.Attributes)
	m := &Module{
		name:     cfg.Name,
		region:   attrs["Region"],
		endpoint: attrs["Endpoint"],
		timeout:  DefaultTimeout,
	}
	if v := attrs["Timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.Errorf("invalid Timeout: %q", v)
		}
		m.timeout = d
	}

	var awsops []func(*awsconfig.LoadOptions) error
	if m.region != "" {
		awsops = append(awsops, awsconfig.WithRegion(m.region))
	}

	id := os.Getenv("AWS_ACCESS_KEY_ID")
	secret := os.Getenv("AWS_SECRET_ACCESS_KEY")
	token := os.Getenv("AWS_SESSION_TOKEN")
	if id != "" && secret != "" {
		awsops = append(awsops, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(id, secret, token)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	awscfg, err := awsconfig.LoadDefaultConfig(ctx, awsops...)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var kmsops []func(*kms.Options)
	if m.endpoint != "" {
		kmsops = append(kmsops, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(m.endpoint)
		})
	}
	m.client = KmsClientFactory(awscfg, kmsops...)

	logger.KV(xlog.INFO, "module", cfg.Name, "region", m.region, "endpoint", m.endpoint)
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

// Close marks the module as closed
func (m *Module) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *Module) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.timeout)
}

// classify returns the error marked as communication failure,
// unless the KMS service responded with an API error
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return errors.WithStack(err)
	}
	return cryptotoken.CommunicationError(errors.WithStack(err))
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

// Keys returns enabled signing keys
func (s *slot) Keys() ([]*cryptotoken.KeyEntry, error) {
	defer metricskey.PerfBackendOperation.MeasureSince(time.Now(), BackendType, "list_keys")

	ctx, cancel := s.m.context()
	defer cancel()

	var list []*cryptotoken.KeyEntry
	pages := kms.NewListKeysPaginator(s.m.client, &kms.ListKeysInput{})
	for pages.HasMorePages() {
		resp, err := pages.NextPage(ctx)
		if err != nil {
			return nil, errors.WithMessage(classify(err), "failed to list keys")
		}
		for _, k := range resp.Keys {
			entry, err := s.keyEntry(ctx, aws.ToString(k.KeyId))
			if err != nil {
				if cryptotoken.IsCommunicationError(err) {
					return nil, err
				}
				logger.KV(xlog.WARNING, "reason", "skip_key", "id", aws.ToString(k.KeyId), "err", err.Error())
				continue
			}
			if entry != nil {
				list = append(list, entry)
			}
		}
	}
	return list, nil
}

// keyEntry returns nil entry for keys which are not enabled for signing
func (s *slot) keyEntry(ctx context.Context, keyID string) (*cryptotoken.KeyEntry, error) {
	ki, err := s.m.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: &keyID})
	if err != nil {
		return nil, errors.WithMessagef(classify(err), "failed to describe key, id=%s", keyID)
	}
	meta := ki.KeyMetadata
	if meta == nil || meta.KeyState != types.KeyStateEnabled || meta.KeyUsage != types.KeyUsageTypeSignVerify {
		logger.KV(xlog.DEBUG, "reason", "not_signing_key", "id", keyID)
		return nil, nil
	}

	resp, err := s.m.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: &keyID})
	if err != nil {
		return nil, errors.WithMessagef(classify(err), "failed to get public key, id=%s", keyID)
	}
	pub, err := x509.ParsePKIXPublicKey(resp.PublicKey)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse public key, id=%s", keyID)
	}

	entry := &cryptotoken.KeyEntry{
		ID: cryptotoken.KeyID{
			ID:    []byte(keyID),
			Label: aws.ToString(meta.Description),
		},
		PublicKey: pub,
		Format:    cryptotoken.FormatDER,
	}
	family, _, err := cryptotoken.FamilyOf(pub)
	if err != nil {
		return nil, err
	}
	switch family {
	case cryptotoken.FamilyRSA:
		entry.Operations = entry.Operations.With(cryptotoken.OpRSAPKCS1).With(cryptotoken.OpRSAPSS)
	case cryptotoken.FamilyEC:
		entry.Operations = entry.Operations.With(cryptotoken.OpDSS)
	default:
		return nil, errors.Errorf("unsupported key type: %s", family)
	}

	signer := NewSigner(keyID, entry.ID.Label, resp.SigningAlgorithms, pub, s.m)
	entry.Open = func() (cryptotoken.Context, error) {
		return &signContext{signer: signer}, nil
	}
	logger.KV(xlog.DEBUG, "id", keyID, "label", entry.ID.Label, "ops", entry.Operations.String())
	return entry, nil
}
