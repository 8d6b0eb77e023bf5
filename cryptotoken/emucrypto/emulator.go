// Package emucrypto implements a software emulated token,
// backed by key material stored in a folder and protected with the PIN.
package emucrypto

import (
	"context"
	"crypto"
	"crypto/dsa" // nolint: staticcheck
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"math/big"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/cryptotoken"
	"github.com/effective-security/xtoken/sigcodec"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "emucrypto")

// BackendType specifies the backend type
const BackendType = "emulator"

// ErrModuleClosed is returned when the module is closed
var ErrModuleClosed = errors.New("emulated token is closed")

func init() {
	_ = cryptotoken.Register(BackendType, Load)
}

// Module is the software emulated token
type Module struct {
	name   string
	store  *Store
	closed atomic.Bool
}

// Load returns the Module for the configuration.
// The Iterations attribute sets PBKDF2 iterations of the PIN.
func Load(cfg *cryptotoken.ModuleConfig) (cryptotoken.Module, error) {
	return Open(cfg)
}

// Open returns the Module for the configuration
func Open(cfg *cryptotoken.ModuleConfig) (*Module, error) {
	if cfg.Path == "" {
		return nil, errors.Errorf("token folder is not specified: %s", cfg.Name)
	}
	fi, err := os.Stat(cfg.Path)
	if err != nil || !fi.IsDir() {
		return nil, cryptotoken.CommunicationError(errors.Errorf("token folder not found: %s", cfg.Path))
	}

	iterations := 0
	if v := cryptotoken.ParseAttributes(cfg.Attributes)["Iterations"]; v != "" {
		iterations, err = strconv.Atoi(v)
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid Iterations attribute")
		}
	}

	store, err := NewStore(cfg.Path, cfg.Pin, iterations)
	if err != nil {
		return nil, err
	}
	logger.KV(xlog.INFO, "module", cfg.Name, "path", cfg.Path)
	return &Module{name: cfg.Name, store: store}, nil
}

// Name returns the module name
func (m *Module) Name() string {
	return m.name
}

// Store returns the key store
func (m *Module) Store() *Store {
	return m.store
}

// Slots returns slots found in the token folder
func (m *Module) Slots() ([]cryptotoken.SlotBackend, error) {
	if m.closed.Load() {
		return nil, errors.WithStack(ErrModuleClosed)
	}
	ids, err := m.store.ListSlots()
	if err != nil {
		return nil, cryptotoken.CommunicationError(err)
	}
	list := make([]cryptotoken.SlotBackend, 0, len(ids))
	for _, id := range ids {
		list = append(list, &slot{m: m, id: id})
	}
	return list, nil
}

// Close closes the module
func (m *Module) Close() error {
	m.closed.Store(true)
	return nil
}

type slot struct {
	m  *Module
	id cryptotoken.SlotID
}

func (s *slot) SlotID() cryptotoken.SlotID {
	return s.id
}

func (s *slot) Certificates() ([]*x509.Certificate, error) {
	return s.m.store.readCertificates(s.id)
}

func (s *slot) Keys() ([]*cryptotoken.KeyEntry, error) {
	keys, err := s.m.store.readKeys(context.Background(), s.id)
	if err != nil {
		return nil, err
	}

	var list []*cryptotoken.KeyEntry
	for _, k := range keys {
		var ops cryptotoken.Operations
		switch k.priv.(type) {
		case *rsa.PrivateKey:
			ops = ops.With(cryptotoken.OpRSAX509).With(cryptotoken.OpRSAPKCS1).With(cryptotoken.OpRSAPSS)
		case *ecdsa.PrivateKey, *dsa.PrivateKey:
			ops = ops.With(cryptotoken.OpDSS)
		default:
			logger.KV(xlog.WARNING, "reason", "unsupported_key", "slot", s.id, "key", k.id.String())
			continue
		}

		priv := k.priv
		list = append(list, &cryptotoken.KeyEntry{
			ID:         k.id,
			PublicKey:  k.pub,
			Operations: ops,
			Format:     cryptotoken.FormatPlain,
			Open: func() (cryptotoken.Context, error) {
				return &softContext{m: s.m, priv: priv}, nil
			},
		})
	}
	return list, nil
}

// softContext signs with the private key in memory
type softContext struct {
	m    *Module
	priv crypto.PrivateKey
}

func (c *softContext) Sign(op cryptotoken.Operation, input []byte, opts crypto.SignerOpts) ([]byte, error) {
	if c.m.closed.Load() {
		return nil, cryptotoken.CommunicationError(ErrModuleClosed)
	}

	switch priv := c.priv.(type) {
	case *rsa.PrivateKey:
		switch op {
		case cryptotoken.OpRSAX509:
			return rawRSA(priv, input)
		case cryptotoken.OpRSAPKCS1:
			hash, digest, err := sigcodec.ParseDigestInfo(input)
			if err != nil {
				return nil, err
			}
			return rsa.SignPKCS1v15(rand.Reader, priv, hash, digest)
		case cryptotoken.OpRSAPSS:
			pss, ok := opts.(*rsa.PSSOptions)
			if !ok {
				return nil, errors.Errorf("PSS options are required")
			}
			return rsa.SignPSS(rand.Reader, priv, pss.Hash, input, pss)
		}
	case *ecdsa.PrivateKey:
		if op == cryptotoken.OpDSS {
			r, s, err := ecdsa.Sign(rand.Reader, priv, input)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			return sigcodec.PlainFromInts(r, s, (priv.Curve.Params().BitSize+7)/8)
		}
	case *dsa.PrivateKey:
		if op == cryptotoken.OpDSS {
			r, s, err := dsa.Sign(rand.Reader, priv, input)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			return sigcodec.PlainFromInts(r, s, (priv.Q.BitLen()+7)/8)
		}
	}
	return nil, errors.Errorf("operation %s is not supported by %T", op, c.priv)
}

func (c *softContext) Close() error {
	return nil
}

// rawRSA returns input^d mod n
func rawRSA(priv *rsa.PrivateKey, input []byte) ([]byte, error) {
	m := new(big.Int).SetBytes(input)
	if m.Cmp(priv.N) >= 0 {
		return nil, errors.Errorf("input is out of range for the key")
	}

	// blinding with random r: s = (m * r^e)^d * r^-1 mod n
	r, err := rand.Int(rand.Reader, priv.N)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rInv := new(big.Int).ModInverse(r, priv.N)
	if rInv == nil {
		return nil, errors.Errorf("unable to blind the input")
	}
	e := big.NewInt(int64(priv.E))
	m.Mul(m, new(big.Int).Exp(r, e, priv.N))
	m.Mod(m, priv.N)

	s := new(big.Int).Exp(m, priv.D, priv.N)
	s.Mul(s, rInv)
	s.Mod(s, priv.N)
	return s.FillBytes(make([]byte, priv.Size())), nil
}
