// Package proxy provides the wire codec and a transport-agnostic server
// to expose a signing service to remote clients, and the client backend
// to use a remote service as a token.
package proxy

import (
	"context"
	"crypto"
	"crypto/x509"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/certutil"
	"github.com/effective-security/xtoken/cryptotoken"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "proxy")

// Action specifies the requested operation
type Action string

// Actions
const (
	// ActionListIdentities takes optional SlotIdentifier and returns IdentityList
	ActionListIdentities Action = "list-identities"
	// ActionPublicKey takes SlotAndKeyIdentifier and returns SubjectPublicKeyInfo
	ActionPublicKey Action = "public-key"
	// ActionCertificateChain takes SlotAndKeyIdentifier and returns CertificateChain
	ActionCertificateChain Action = "certificate-chain"

	psoPrefix = "pso-"
)

// PSOAction returns the sign action for the mechanism,
// the action takes PSOTemplate and returns the signature
func PSOAction(m cryptotoken.Mechanism) Action {
	return Action(psoPrefix + strings.ToLower(strings.ReplaceAll(m.String(), "_", "-")))
}

// Mechanism returns the mechanism of PSO action
func (a Action) Mechanism() (cryptotoken.Mechanism, bool) {
	name, ok := strings.CutPrefix(string(a), psoPrefix)
	if !ok {
		return 0, false
	}
	m, err := cryptotoken.ParseMechanism(name)
	if err != nil {
		return 0, false
	}
	return m, true
}

// Service is the subset of *cryptotoken.Service exposed by the Server
type Service interface {
	Identities(filter *cryptotoken.SlotRef) ([]*cryptotoken.Identity, error)
	PublicKey(slot cryptotoken.SlotRef, key cryptotoken.KeyID) (crypto.PublicKey, error)
	CertificateChain(slot cryptotoken.SlotRef, key cryptotoken.KeyID) ([]*x509.Certificate, error)
	Sign(ctx context.Context, slot cryptotoken.SlotRef, key cryptotoken.KeyID, mech cryptotoken.Mechanism, input []byte, opts crypto.SignerOpts) ([]byte, error)
}

// Server handles requests of remote clients
type Server struct {
	svc Service
}

// NewServer returns Server for the service
func NewServer(svc Service) *Server {
	return &Server{svc: svc}
}

// Handle performs the action and returns DER encoded response.
// Use StatusOf to map the error to the wire status.
func (s *Server) Handle(ctx context.Context, action Action, payload []byte) ([]byte, error) {
	res, err := s.handle(ctx, action, payload)
	if err != nil {
		logger.KV(xlog.DEBUG, "action", action, "status", StatusOf(err), "err", err.Error())
		return nil, err
	}
	return res, nil
}

func (s *Server) handle(ctx context.Context, action Action, payload []byte) ([]byte, error) {
	switch action {
	case ActionListIdentities:
		return s.listIdentities(payload)
	case ActionPublicKey:
		sk, err := ParseSlotAndKey(payload)
		if err != nil {
			return nil, err
		}
		pub, err := s.svc.PublicKey(sk.Slot, sk.Key)
		if err != nil {
			return nil, err
		}
		return certutil.MarshalPKIXPublicKey(pub)
	case ActionCertificateChain:
		sk, err := ParseSlotAndKey(payload)
		if err != nil {
			return nil, err
		}
		chain, err := s.svc.CertificateChain(sk.Slot, sk.Key)
		if err != nil {
			return nil, err
		}
		return marshalChain(chain)
	}

	mech, ok := action.Mechanism()
	if !ok {
		return nil, errors.Wrapf(ErrMalformed, "unsupported action: %q", action)
	}
	t, err := ParsePSOTemplate(payload)
	if err != nil {
		return nil, err
	}
	return s.svc.Sign(ctx, t.Slot, t.Key, mech, t.Message, nil)
}

func (s *Server) listIdentities(payload []byte) ([]byte, error) {
	var filter *cryptotoken.SlotRef
	if len(payload) > 0 {
		ref, err := ParseSlotIdentifier(payload)
		if err != nil {
			return nil, err
		}
		filter = &ref
	}
	ids, err := s.svc.Identities(filter)
	if err != nil {
		return nil, err
	}
	list := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		list = append(list, &Entry{
			SlotAndKey: SlotAndKey{
				Slot: cryptotoken.RefOf(id.SlotID()),
				Key:  id.KeyID(),
			},
			PublicKey:  id.PublicKey(),
			Mechanisms: id.Mechanisms(),
		})
	}
	return marshalEntries(list)
}
