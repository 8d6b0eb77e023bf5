package proxy

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/cryptotoken"
	"github.com/effective-security/xtoken/metricskey"
)

// BackendType specifies the backend type of remote token
const BackendType = "proxy"

// DefaultTimeout is the default timeout of a remote call
const DefaultTimeout = 30 * time.Second

// Transport delivers the request to the Server and returns the response.
// Errors returned by the Server must be converted with StatusOf on the server side,
// and with StatusError on the client side.
type Transport interface {
	Do(ctx context.Context, action Action, payload []byte) ([]byte, error)
}

// Dialer returns Transport for the module configuration,
// the transport is provided by the application
var Dialer = func(cfg *cryptotoken.ModuleConfig) (Transport, error) {
	return nil, errors.Errorf("proxy transport is not configured: %s", cfg.Path)
}

func init() {
	_ = cryptotoken.Register(BackendType, Load)
}

// Local returns Transport to the Server in the same process
func Local(s *Server) Transport {
	return localTransport{s: s}
}

type localTransport struct {
	s *Server
}

func (t localTransport) Do(ctx context.Context, action Action, payload []byte) ([]byte, error) {
	res, err := t.s.Handle(ctx, action, payload)
	if err != nil {
		return nil, StatusError(StatusOf(err), err.Error())
	}
	return res, nil
}

// Module is the token served by a remote Server
type Module struct {
	name      string
	transport Transport
	timeout   time.Duration
	closed    atomic.Bool
}

// Load returns the Module for the configuration.
// The Timeout attribute sets the timeout of remote calls.
func Load(cfg *cryptotoken.ModuleConfig) (cryptotoken.Module, error) {
	timeout := DefaultTimeout
	if v := cryptotoken.ParseAttributes(cfg.Attributes)["Timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid Timeout attribute")
		}
		timeout = d
	}

	t, err := Dialer(cfg)
	if err != nil {
		return nil, cryptotoken.CommunicationError(err)
	}
	logger.KV(xlog.INFO, "module", cfg.Name, "remote", cfg.Path)
	return &Module{name: cfg.Name, transport: t, timeout: timeout}, nil
}

// Name returns the module name
func (m *Module) Name() string {
	return m.name
}

// Close closes the module
func (m *Module) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *Module) call(action Action, payload []byte) ([]byte, error) {
	if m.closed.Load() {
		return nil, cryptotoken.CommunicationError(errors.New("proxy module is closed"))
	}
	defer metricskey.PerfBackendOperation.MeasureSince(time.Now(), BackendType, string(action))

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	res, err := m.transport.Do(ctx, action, payload)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// classify marks transport failures and remote token failures as communication errors,
// the remote answer on a bad request is returned as is
func classify(err error) error {
	switch StatusOf(err) {
	case StatusBadRequest, StatusUnknownIdentity, StatusMechanismMismatch, StatusPadding, StatusSigningFailed:
		return err
	}
	return cryptotoken.CommunicationError(err)
}

// Slots returns slots of the remote identities
func (m *Module) Slots() ([]cryptotoken.SlotBackend, error) {
	res, err := m.call(ActionListIdentities, nil)
	if err != nil {
		return nil, err
	}
	entries, err := parseEntries(res)
	if err != nil {
		return nil, cryptotoken.CommunicationError(err)
	}

	var list []cryptotoken.SlotBackend
	bySlot := map[cryptotoken.SlotID]*slot{}
	for _, e := range entries {
		sid := cryptotoken.SlotID{Index: e.Slot.Index, ID: e.Slot.ID}
		s := bySlot[sid]
		if s == nil {
			s = &slot{m: m, id: sid}
			bySlot[sid] = s
			list = append(list, s)
		}
		s.entries = append(s.entries, e)
	}
	return list, nil
}

type slot struct {
	m       *Module
	id      cryptotoken.SlotID
	entries []*Entry

	loaded bool
	keys   []*cryptotoken.KeyEntry
	certs  []*x509.Certificate
}

func (s *slot) SlotID() cryptotoken.SlotID {
	return s.id
}

func (s *slot) Certificates() ([]*x509.Certificate, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	return s.certs, nil
}

func (s *slot) Keys() ([]*cryptotoken.KeyEntry, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	return s.keys, nil
}

// load fetches the certificate chains of the slot keys once per discovery
func (s *slot) load() error {
	if s.loaded {
		return nil
	}
	var list []*cryptotoken.KeyEntry
	var certs []*x509.Certificate
	for _, e := range s.entries {
		payload, err := MarshalSlotAndKey(e.SlotAndKey)
		if err != nil {
			logger.KV(xlog.WARNING, "reason", "invalid_key", "slot", s.id, "key", e.Key.String(), "err", err.Error())
			continue
		}
		res, err := s.m.call(ActionCertificateChain, payload)
		if err != nil {
			if cryptotoken.IsCommunicationError(err) {
				return err
			}
			logger.KV(xlog.WARNING, "reason", "chain", "slot", s.id, "key", e.Key.String(), "err", err.Error())
			continue
		}
		chain, err := parseChain(res)
		if err != nil {
			return cryptotoken.CommunicationError(err)
		}
		certs = append(certs, chain...)

		var ops cryptotoken.Operations
		for _, mech := range e.Mechanisms {
			switch mech {
			case cryptotoken.RSAX509:
				ops = ops.With(cryptotoken.OpRSAX509)
			case cryptotoken.RSAPKCS1:
				ops = ops.With(cryptotoken.OpRSAPKCS1)
			case cryptotoken.RSAPSS:
				ops = ops.With(cryptotoken.OpRSAPSS)
			case cryptotoken.ECDSAPlain, cryptotoken.DSAPlain:
				ops = ops.With(cryptotoken.OpDSS)
			}
		}
		family, _, err := cryptotoken.FamilyOf(e.PublicKey)
		if err != nil {
			logger.KV(xlog.WARNING, "reason", "unsupported_key", "slot", s.id, "key", e.Key.String())
			continue
		}

		sk := e.SlotAndKey
		list = append(list, &cryptotoken.KeyEntry{
			ID:         e.Key,
			PublicKey:  e.PublicKey,
			Chain:      chain,
			Operations: ops,
			Format:     cryptotoken.FormatPlain,
			Open: func() (cryptotoken.Context, error) {
				return &remoteContext{m: s.m, sk: sk, family: family}, nil
			},
		})
	}
	s.keys = list
	s.certs = certs
	s.loaded = true
	return nil
}

// remoteContext signs with the remote identity
type remoteContext struct {
	m      *Module
	sk     SlotAndKey
	family cryptotoken.KeyFamily
}

func (c *remoteContext) Sign(op cryptotoken.Operation, input []byte, opts crypto.SignerOpts) ([]byte, error) {
	var mech cryptotoken.Mechanism
	switch op {
	case cryptotoken.OpRSAX509:
		mech = cryptotoken.RSAX509
	case cryptotoken.OpRSAPKCS1:
		mech = cryptotoken.RSAPKCS1
	case cryptotoken.OpRSAPSS:
		// the server signs with the salt of the hash size
		if pss, ok := opts.(*rsa.PSSOptions); ok && pss.SaltLength != pss.Hash.Size() {
			return nil, errors.Wrapf(cryptotoken.ErrMechanismMismatch, "salt length %d is not supported", pss.SaltLength)
		}
		mech = cryptotoken.RSAPSS
	case cryptotoken.OpDSS:
		mech = cryptotoken.ECDSAPlain
		if c.family == cryptotoken.FamilyDSA {
			mech = cryptotoken.DSAPlain
		}
	default:
		return nil, errors.Wrapf(cryptotoken.ErrMechanismMismatch, "unsupported operation: %s", op)
	}

	payload, err := MarshalPSOTemplate(&PSOTemplate{SlotAndKey: c.sk, Message: input})
	if err != nil {
		return nil, err
	}
	return c.m.call(PSOAction(mech), payload)
}

func (c *remoteContext) Close() error {
	return nil
}
