// Package providercrypto implements the token backend over
// the PKCS#11 provider github.com/ThalesIgnite/crypto11
package providercrypto

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"math/big"
	"strconv"
	"sync/atomic"

	"github.com/ThalesIgnite/crypto11"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/cryptotoken"
	"github.com/effective-security/xtoken/cryptotoken/pkcs11crypto"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "providercrypto")

// BackendType specifies the backend type
const BackendType = "crypto11"

// ErrModuleClosed is returned when the module is closed
var ErrModuleClosed = errors.New("crypto11 module is closed")

func init() {
	_ = cryptotoken.Register(BackendType, Load)
}

// Provider is the subset of *crypto11.Context used by the backend
type Provider interface {
	FindAllKeyPairs() ([]crypto11.Signer, error)
	GetAttribute(key any, attribute crypto11.AttributeType) (*crypto11.Attribute, error)
	FindCertificate(id []byte, label []byte, serial *big.Int) (*x509.Certificate, error)
	Close() error
}

// ProviderFactory returns Provider for the configuration, override for unittest
var ProviderFactory = func(cfg *crypto11.Config) (Provider, error) {
	p, err := crypto11.Configure(cfg)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return p, nil
}

// Module holds one crypto11 context per configured slot
type Module struct {
	name   string
	slots  []*slot
	closed atomic.Bool
}

// Load returns the Module for the configuration
func Load(cfg *cryptotoken.ModuleConfig) (cryptotoken.Module, error) {
	return Open(cfg)
}

// Open configures crypto11 context for each slot in the include list.
// Supported attributes: MaxSessions, LoginNotSupported
func Open(cfg *cryptotoken.ModuleConfig) (*Module, error) {
	if cfg.Path == "" {
		return nil, errors.Errorf("PKCS#11 library is not specified: %s", cfg.Name)
	}
	if len(cfg.Slots.IncludeIDs) == 0 {
		return nil, errors.Errorf("slot identifiers must be specified for %s", cfg.Name)
	}

	attrs := cryptotoken.ParseAttributes(cfg.Attributes)
	maxSessions := cfg.Parallelism + 1
	if v, ok := attrs["MaxSessions"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Errorf("invalid MaxSessions: %q", v)
		}
		maxSessions = n
	}
	loginNotSupported := attrs["LoginNotSupported"] == "true"

	m := &Module{name: cfg.Name}
	for index, id := range cfg.Slots.IncludeIDs {
		slotNumber := int(id)
		p, err := ProviderFactory(&crypto11.Config{
			Path:              cfg.Path,
			SlotNumber:        &slotNumber,
			Pin:               cfg.Pin,
			MaxSessions:       maxSessions,
			LoginNotSupported: loginNotSupported,
		})
		if err != nil {
			_ = m.Close()
			return nil, cryptotoken.CommunicationError(
				errors.WithMessagef(err, "unable to configure slot 0x%X of %s", id, cfg.Path))
		}
		m.slots = append(m.slots, &slot{
			m:  m,
			id: cryptotoken.SlotID{Index: index, ID: id},
			p:  p,
		})
	}

	logger.KV(xlog.INFO, "module", cfg.Name, "lib", cfg.Path, "slots", len(m.slots))
	return m, nil
}

// Name returns the module name
func (m *Module) Name() string {
	return m.name
}

// Slots returns the configured slots
func (m *Module) Slots() ([]cryptotoken.SlotBackend, error) {
	if m.closed.Load() {
		return nil, cryptotoken.CommunicationError(ErrModuleClosed)
	}
	list := make([]cryptotoken.SlotBackend, 0, len(m.slots))
	for _, s := range m.slots {
		list = append(list, s)
	}
	return list, nil
}

// Close closes crypto11 contexts
func (m *Module) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	var errs []error
	for _, s := range m.slots {
		if err := s.p.Close(); err != nil {
			errs = append(errs, errors.WithMessagef(err, "slot %s", s.id))
		}
	}
	return errors.Join(errs...)
}

type slot struct {
	m  *Module
	id cryptotoken.SlotID
	p  Provider
}

func (s *slot) SlotID() cryptotoken.SlotID {
	return s.id
}

// Keys returns key pairs found on the slot
func (s *slot) Keys() ([]*cryptotoken.KeyEntry, error) {
	if s.m.closed.Load() {
		return nil, cryptotoken.CommunicationError(ErrModuleClosed)
	}
	signers, err := s.p.FindAllKeyPairs()
	if err != nil {
		return nil, errors.WithMessagef(pkcs11crypto.Classify(err), "failed to find keys on slot %s", s.id)
	}

	var list []*cryptotoken.KeyEntry
	for _, signer := range signers {
		entry, err := s.keyEntry(signer)
		if err != nil {
			if cryptotoken.IsCommunicationError(err) {
				return nil, err
			}
			logger.KV(xlog.WARNING, "reason", "skip_key", "slot", s.id, "err", err.Error())
			continue
		}
		list = append(list, entry)
	}
	return list, nil
}

func (s *slot) keyEntry(signer crypto11.Signer) (*cryptotoken.KeyEntry, error) {
	id, err := s.attribute(signer, pkcs11.CKA_ID)
	if err != nil {
		return nil, err
	}
	label, err := s.attribute(signer, pkcs11.CKA_LABEL)
	if err != nil {
		return nil, err
	}

	entry := &cryptotoken.KeyEntry{
		ID:        cryptotoken.KeyID{ID: id, Label: string(label)},
		PublicKey: signer.Public(),
		Format:    cryptotoken.FormatDER,
		Open: func() (cryptotoken.Context, error) {
			return &signContext{signer: signer}, nil
		},
	}

	family, _, err := cryptotoken.FamilyOf(entry.PublicKey)
	if err != nil {
		return nil, err
	}
	switch family {
	case cryptotoken.FamilyRSA:
		entry.Operations = entry.Operations.With(cryptotoken.OpRSAPKCS1).With(cryptotoken.OpRSAPSS)
	default:
		entry.Operations = entry.Operations.With(cryptotoken.OpDSS)
	}

	if len(id) == 0 {
		return entry, nil
	}
	crt, err := s.p.FindCertificate(id, nil, nil)
	if err != nil {
		err = pkcs11crypto.Classify(err)
		if cryptotoken.IsCommunicationError(err) {
			return nil, err
		}
		logger.KV(xlog.DEBUG, "reason", "certificate", "slot", s.id, "key", entry.ID, "err", err.Error())
	} else if crt != nil {
		entry.Chain = []*x509.Certificate{crt}
	}
	return entry, nil
}

func (s *slot) attribute(signer crypto11.Signer, typ crypto11.AttributeType) ([]byte, error) {
	a, err := s.p.GetAttribute(signer, typ)
	if err != nil {
		return nil, errors.WithMessagef(pkcs11crypto.Classify(err), "failed to get attribute 0x%X", typ)
	}
	if a == nil {
		return nil, nil
	}
	return a.Value, nil
}

// Certificates returns the certificates of the key pairs
func (s *slot) Certificates() ([]*x509.Certificate, error) {
	keys, err := s.Keys()
	if err != nil {
		return nil, err
	}
	var list []*x509.Certificate
	for _, k := range keys {
		list = append(list, k.Chain...)
	}
	return list, nil
}

// signContext signs with crypto11 signer,
// crypto11 manages the session pool for the key
type signContext struct {
	signer crypto.Signer
}

func (c *signContext) Sign(op cryptotoken.Operation, input []byte, opts crypto.SignerOpts) ([]byte, error) {
	var sig []byte
	var err error
	switch op {
	case cryptotoken.OpRSAPKCS1:
		// with no hash crypto11 signs the input as DigestInfo
		sig, err = c.signer.Sign(rand.Reader, input, crypto.Hash(0))
	case cryptotoken.OpRSAPSS, cryptotoken.OpDSS:
		if opts == nil {
			opts = crypto.Hash(0)
		}
		sig, err = c.signer.Sign(rand.Reader, input, opts)
	default:
		return nil, errors.Errorf("unsupported operation: %s", op)
	}
	if err != nil {
		return nil, pkcs11crypto.Classify(err)
	}
	return sig, nil
}

func (c *signContext) Close() error {
	return nil
}
