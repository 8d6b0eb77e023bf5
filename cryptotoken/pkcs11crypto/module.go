// Package pkcs11crypto implements the token backend over a native PKCS#11 library
package pkcs11crypto

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/cryptotoken"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "pkcs11crypto")

// BackendType specifies the backend type
const BackendType = "pkcs11"

// ErrModuleClosed is returned when the module is closed
var ErrModuleClosed = errors.New("PKCS#11 module is closed")

func init() {
	_ = cryptotoken.Register(BackendType, Load)
}

// Module is the connection to a PKCS#11 library
type Module struct {
	name string
	lib  string
	pin  string
	ctx  Ctx

	lock     sync.Mutex
	sessions map[uint]pkcs11.SessionHandle
	closed   atomic.Bool
}

// Load returns the Module for the configuration
func Load(cfg *cryptotoken.ModuleConfig) (cryptotoken.Module, error) {
	return Open(cfg)
}

// Open loads and initializes the PKCS#11 library
func Open(cfg *cryptotoken.ModuleConfig) (*Module, error) {
	if cfg.Path == "" {
		return nil, errors.Errorf("PKCS#11 library is not specified: %s", cfg.Name)
	}

	ctx, err := CtxFactory(cfg.Path)
	if err != nil {
		return nil, cryptotoken.CommunicationError(err)
	}

	err = ctx.Initialize()
	if err != nil && !isCode(err, pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
		ctx.Destroy()
		return nil, errors.WithMessagef(Classify(err), "unable to initialize PKCS#11 library: %s", cfg.Path)
	}

	logger.KV(xlog.INFO, "module", cfg.Name, "lib", cfg.Path)
	return &Module{
		name:     cfg.Name,
		lib:      cfg.Path,
		pin:      cfg.Pin,
		ctx:      ctx,
		sessions: make(map[uint]pkcs11.SessionHandle),
	}, nil
}

// Name returns the module name
func (m *Module) Name() string {
	return m.name
}

// Slots returns the slots with present tokens
func (m *Module) Slots() ([]cryptotoken.SlotBackend, error) {
	if m.closed.Load() {
		return nil, cryptotoken.CommunicationError(ErrModuleClosed)
	}
	ids, err := m.ctx.GetSlotList(true)
	if err != nil {
		return nil, errors.WithMessage(Classify(err), "failed to get slot list")
	}

	list := make([]cryptotoken.SlotBackend, 0, len(ids))
	for index, id := range ids {
		s := &slot{
			m:  m,
			id: cryptotoken.SlotID{Index: index, ID: id},
		}
		if ti, err := m.ctx.GetTokenInfo(id); err == nil {
			logger.Tracef("slot=0x%X, index=%d, label=%q, serial=%q", id, index, ti.Label, ti.SerialNumber)
			s.label = ti.Label
		}
		list = append(list, s)
	}
	return list, nil
}

// Close closes sessions and finalizes the library
func (m *Module) Close() error {
	if m.closed.Swap(true) {
		return nil
	}

	m.lock.Lock()
	for id, sh := range m.sessions {
		if err := m.ctx.Logout(sh); err != nil {
			logger.Debugf("reason=logout, slot=0x%X, err=[%v]", id, err)
		}
		if err := m.ctx.CloseSession(sh); err != nil {
			logger.Debugf("reason=close_session, slot=0x%X, err=[%v]", id, err)
		}
	}
	m.sessions = nil
	m.lock.Unlock()

	err := m.ctx.Finalize()
	m.ctx.Destroy()
	if err != nil {
		return errors.WithMessagef(err, "failed to finalize %s", m.lib)
	}
	return nil
}

// session returns the logged in session for the slot,
// the session is kept open until the module is closed
func (m *Module) session(slotID uint) (pkcs11.SessionHandle, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.closed.Load() {
		return 0, cryptotoken.CommunicationError(ErrModuleClosed)
	}
	if sh, ok := m.sessions[slotID]; ok {
		return sh, nil
	}

	sh, err := m.ctx.OpenSession(slotID, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return 0, errors.WithMessagef(Classify(err), "failed to open session on slot 0x%X", slotID)
	}
	if m.pin != "" {
		err = m.ctx.Login(sh, pkcs11.CKU_USER, m.pin)
		if err != nil && !isCode(err, pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
			_ = m.ctx.CloseSession(sh)
			return 0, errors.WithMessagef(Classify(err), "failed to login on slot 0x%X", slotID)
		}
	}
	m.sessions[slotID] = sh
	return sh, nil
}

// openSession opens a new session for signing context
func (m *Module) openSession(slotID uint) (pkcs11.SessionHandle, error) {
	if m.closed.Load() {
		return 0, cryptotoken.CommunicationError(ErrModuleClosed)
	}
	// the login session makes all sessions of the application logged in
	if _, err := m.session(slotID); err != nil {
		return 0, err
	}
	sh, err := m.ctx.OpenSession(slotID, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return 0, errors.WithMessagef(Classify(err), "failed to open session on slot 0x%X", slotID)
	}
	return sh, nil
}

func (m *Module) findObjects(sh pkcs11.SessionHandle, template []*pkcs11.Attribute) ([]pkcs11.ObjectHandle, error) {
	if err := m.ctx.FindObjectsInit(sh, template); err != nil {
		return nil, Classify(err)
	}
	defer func() {
		if err := m.ctx.FindObjectsFinal(sh); err != nil {
			logger.Debugf("reason=find_final, err=[%v]", err)
		}
	}()

	var list []pkcs11.ObjectHandle
	for {
		objs, _, err := m.ctx.FindObjects(sh, 100)
		if err != nil {
			return nil, Classify(err)
		}
		if len(objs) == 0 {
			break
		}
		list = append(list, objs...)
	}
	return list, nil
}

// attributes returns values of the requested attributes by type,
// attributes not available on the object are omitted
func (m *Module) attributes(sh pkcs11.SessionHandle, obj pkcs11.ObjectHandle, types ...uint) (map[uint][]byte, error) {
	res := make(map[uint][]byte, len(types))
	for _, typ := range types {
		attrs, err := m.ctx.GetAttributeValue(sh, obj, []*pkcs11.Attribute{pkcs11.NewAttribute(typ, nil)})
		if err != nil {
			if isCode(err, pkcs11.CKR_ATTRIBUTE_TYPE_INVALID) || isCode(err, pkcs11.CKR_ATTRIBUTE_SENSITIVE) {
				continue
			}
			return nil, Classify(err)
		}
		for _, a := range attrs {
			if len(a.Value) > 0 {
				res[a.Type] = a.Value
			}
		}
	}
	return res, nil
}
