package cryptotoken

import (
	"context"
	"crypto"
	"crypto/x509"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/metricskey"
)

// MinReconnectInterval is the default minimum interval between reconnect attempts
const MinReconnectInterval = 60 * time.Second

// State of the Service
type State int32

// States
const (
	StateUninitialized State = iota
	StateHealthy
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	}
	return "uninitialized"
}

// Option configures the Service
type Option func(*Service)

// WithMinReconnectInterval sets the minimum interval between reconnect attempts
func WithMinReconnectInterval(d time.Duration) Option {
	return func(s *Service) {
		s.guard.interval = d
	}
}

// WithClock sets the time source for the reconnect throttle
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.guard.now = now
	}
}

// Service is the signing service for one module
type Service struct {
	cfg   *ModuleConfig
	snap  atomic.Pointer[snapshot]
	state atomic.Int32
	guard reconnectGuard
}

// snapshot is the immutable view of the token,
// replaced on each refresh
type snapshot struct {
	token *Token
	slots []*Slot
}

func (s *snapshot) close() {
	closeSlots(s.slots)
	if s.token != nil {
		if err := s.token.Close(); err != nil {
			logger.KV(xlog.WARNING, "module", s.token.Name(), "reason", "close", "err", err.Error())
		}
	}
}

// reconnectGuard serializes reconnect and refresh,
// and throttles reconnect attempts
type reconnectGuard struct {
	lock     sync.Mutex
	interval time.Duration
	last     time.Time
	closed   bool
	now      func() time.Time
}

func (g *reconnectGuard) throttled() bool {
	return !g.last.IsZero() && g.now().Sub(g.last) < g.interval
}

// NewService returns the signing service for the module.
// An error is returned only for invalid configuration,
// if the backend is not available the service starts in degraded state.
func NewService(cfg *ModuleConfig, opts ...Option) (*Service, error) {
	cp := cfg.Copy()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	pin, err := ResolvePin(cp.Pin, "")
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to load PIN for module %s", cp.Name)
	}
	cp.Pin = pin

	s := &Service{
		cfg: cp,
		guard: reconnectGuard{
			interval: MinReconnectInterval,
			now:      time.Now,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snap.Store(&snapshot{})

	s.guard.lock.Lock()
	defer s.guard.lock.Unlock()

	if err := s.connect(); err != nil {
		logger.KV(xlog.ERROR, "module", cp.Name, "reason", "connect", "err", err.Error())
	}
	return s, nil
}

// Name returns the module name
func (s *Service) Name() string {
	return s.cfg.Name
}

// State returns the current state
func (s *Service) State() State {
	return State(s.state.Load())
}

// connect tears down the current token and opens a new one,
// must be called with guard lock held
func (s *Service) connect() error {
	old := s.snap.Swap(&snapshot{})
	old.close()

	tok, err := OpenToken(s.cfg)
	if err != nil {
		s.state.Store(int32(StateDegraded))
		return err
	}
	slots, err := tok.Discover()
	if err != nil {
		if cerr := tok.Close(); cerr != nil {
			logger.KV(xlog.DEBUG, "module", s.cfg.Name, "reason", "close", "err", cerr.Error())
		}
		s.state.Store(int32(StateDegraded))
		return err
	}

	s.snap.Store(&snapshot{token: tok, slots: slots})
	s.state.Store(int32(StateHealthy))
	return nil
}

// Reconnect rebuilds the token connection,
// it is a no-op when called within the minimum reconnect interval.
// Returns true if the service is healthy.
func (s *Service) Reconnect() bool {
	s.guard.lock.Lock()
	defer s.guard.lock.Unlock()

	if s.guard.closed {
		return false
	}
	if s.guard.throttled() {
		return s.State() == StateHealthy
	}
	s.guard.last = s.guard.now()

	start := time.Now()
	err := s.connect()
	result := values.Select(err == nil, "success", "failure")
	metricskey.PerfTokenReconnect.MeasureSince(start, s.cfg.Name, result)

	if err != nil {
		logger.KV(xlog.ERROR, "module", s.cfg.Name, "reason", "reconnect", "err", err.Error())
		return false
	}
	logger.KV(xlog.NOTICE, "module", s.cfg.Name, "status", "reconnected")
	return true
}

// Refresh rediscovers the slots and keys of the current token.
// Identities returned before the refresh remain usable until the token is reconnected or closed.
func (s *Service) Refresh() error {
	if err := s.checkState(); err != nil {
		return err
	}

	s.guard.lock.Lock()
	defer s.guard.lock.Unlock()

	cur := s.snap.Load()
	if cur.token == nil {
		return errors.Wrapf(ErrNotInitialized, "module %s", s.cfg.Name)
	}

	slots, err := cur.token.Discover()
	if err != nil {
		if IsCommunicationError(err) {
			s.state.Store(int32(StateDegraded))
		}
		return err
	}

	s.snap.Store(&snapshot{token: cur.token, slots: slots})
	// callers may still hold the previous Identities, they stay valid until reconnect
	cur.token.retire(identitiesOf(cur.slots))
	return nil
}

// checkState returns ErrNotInitialized if the service is not healthy,
// and reconnect is throttled or failed
func (s *Service) checkState() error {
	if s.State() == StateHealthy {
		return nil
	}
	if s.Reconnect() {
		return nil
	}
	return errors.Wrapf(ErrNotInitialized, "module %s is %s", s.cfg.Name, s.State())
}

// onCommunicationError moves the service to degraded state
// and reconnects, if the failed token is still current.
// Returns true if the service is healthy.
func (s *Service) onCommunicationError(tok *Token, cause error) bool {
	s.guard.lock.Lock()
	if s.snap.Load().token != tok {
		// token was already replaced
		healthy := s.State() == StateHealthy
		s.guard.lock.Unlock()
		return healthy
	}
	if s.State() == StateHealthy {
		logger.KV(xlog.WARNING, "module", s.cfg.Name, "status", "degraded", "err", cause.Error())
		s.state.Store(int32(StateDegraded))
	}
	s.guard.lock.Unlock()

	return s.Reconnect()
}

// Slots returns the identifiers of available slots
func (s *Service) Slots() ([]SlotID, error) {
	if err := s.checkState(); err != nil {
		return nil, err
	}
	var list []SlotID
	for _, sl := range s.snap.Load().slots {
		list = append(list, sl.id)
	}
	return list, nil
}

// Identities returns the Identities, optionally filtered by slot
func (s *Service) Identities(filter *SlotRef) ([]*Identity, error) {
	if err := s.checkState(); err != nil {
		return nil, err
	}
	var list []*Identity
	for _, sl := range s.snap.Load().slots {
		if filter != nil && !filter.Matches(sl.id) {
			continue
		}
		list = append(list, sl.identities...)
	}
	return list, nil
}

// ListIdentities returns description of the Identities, optionally filtered by slot
func (s *Service) ListIdentities(filter *SlotRef) ([]IdentityInfo, error) {
	ids, err := s.Identities(filter)
	if err != nil {
		return nil, err
	}
	list := make([]IdentityInfo, 0, len(ids))
	for _, id := range ids {
		list = append(list, id.Info())
	}
	return list, nil
}

// Certificates returns all certificates stored in the slot
func (s *Service) Certificates(slot SlotRef) ([]*x509.Certificate, error) {
	sl, err := s.findSlot(slot)
	if err != nil {
		return nil, err
	}
	return sl.Certificates(), nil
}

// Identity returns the Identity for the slot and key
func (s *Service) Identity(slot SlotRef, key KeyID) (*Identity, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	sl, err := s.findSlot(slot)
	if err != nil {
		return nil, err
	}
	id := sl.Find(key)
	if id == nil {
		return nil, errors.Wrapf(ErrUnknownIdentity, "key %s not found in slot %s", key, sl.id)
	}
	return id, nil
}

// PublicKey returns the public key of the Identity
func (s *Service) PublicKey(slot SlotRef, key KeyID) (crypto.PublicKey, error) {
	id, err := s.Identity(slot, key)
	if err != nil {
		return nil, err
	}
	return id.PublicKey(), nil
}

// CertificateChain returns the certificate chain of the Identity
func (s *Service) CertificateChain(slot SlotRef, key KeyID) ([]*x509.Certificate, error) {
	id, err := s.Identity(slot, key)
	if err != nil {
		return nil, err
	}
	return id.CertificateChain(), nil
}

// Sign signs the input with the Identity.
// On communication failure the service reconnects once,
// and ErrNotInitialized is returned if the reconnect failed.
func (s *Service) Sign(ctx context.Context, slot SlotRef, key KeyID, mech Mechanism, input []byte, opts crypto.SignerOpts) ([]byte, error) {
	id, err := s.Identity(slot, key)
	if err != nil {
		return nil, err
	}
	return s.SignWith(ctx, id, mech, input, opts)
}

// SignWith signs the input with the resolved Identity
func (s *Service) SignWith(ctx context.Context, id *Identity, mech Mechanism, input []byte, opts crypto.SignerOpts) ([]byte, error) {
	sig, err := id.Sign(ctx, mech, input, opts)
	if err != nil && IsCommunicationError(err) {
		if !s.onCommunicationError(id.owner, err) {
			return nil, errors.Mark(errors.WithMessagef(err, "module %s is not available", s.cfg.Name), ErrNotInitialized)
		}
	}
	return sig, err
}

// Close releases the token, the service can not be used after Close
func (s *Service) Close() error {
	s.guard.lock.Lock()
	defer s.guard.lock.Unlock()

	if s.guard.closed {
		return nil
	}
	s.guard.closed = true

	old := s.snap.Swap(&snapshot{})
	closeSlots(old.slots)
	s.state.Store(int32(StateUninitialized))
	if old.token != nil {
		return old.token.Close()
	}
	return nil
}

func (s *Service) findSlot(slot SlotRef) (*Slot, error) {
	if err := slot.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkState(); err != nil {
		return nil, err
	}
	for _, sl := range s.snap.Load().slots {
		if slot.Matches(sl.id) {
			return sl, nil
		}
	}
	return nil, errors.Wrapf(ErrUnknownIdentity, "slot %s not found", slot)
}
