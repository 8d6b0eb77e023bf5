package pkcs11crypto

import (
	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/cryptotoken"
	"github.com/miekg/pkcs11"
)

// Ctx is the subset of *pkcs11.Ctx used by the backend
type Ctx interface {
	Initialize() error
	Finalize() error
	Destroy()
	GetSlotList(tokenPresent bool) ([]uint, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)
	GetMechanismList(slotID uint) ([]*pkcs11.Mechanism, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
}

// CtxFactory returns Ctx for the PKCS#11 library, override for unittest
var CtxFactory = func(lib string) (Ctx, error) {
	c := pkcs11.New(lib)
	if c == nil {
		return nil, errors.Errorf("unable to load PKCS#11 library: %s", lib)
	}
	return c, nil
}

// communicationErrors are the return codes caused by
// lost connection to the device or invalidated sessions
var communicationErrors = map[uint]bool{
	pkcs11.CKR_GENERAL_ERROR:            true,
	pkcs11.CKR_DEVICE_ERROR:             true,
	pkcs11.CKR_DEVICE_MEMORY:            true,
	pkcs11.CKR_DEVICE_REMOVED:           true,
	pkcs11.CKR_SESSION_CLOSED:           true,
	pkcs11.CKR_SESSION_HANDLE_INVALID:   true,
	pkcs11.CKR_TOKEN_NOT_PRESENT:        true,
	pkcs11.CKR_TOKEN_NOT_RECOGNIZED:     true,
	pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED: true,
	pkcs11.CKR_USER_NOT_LOGGED_IN:       true,
	pkcs11.CKR_OBJECT_HANDLE_INVALID:    true,
	pkcs11.CKR_KEY_HANDLE_INVALID:       true,
}

// Classify returns the error marked as communication failure,
// if the PKCS#11 return code indicates the device is not available
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var rv pkcs11.Error
	if errors.As(err, &rv) && communicationErrors[uint(rv)] {
		return cryptotoken.CommunicationError(errors.WithStack(err))
	}
	return errors.WithStack(err)
}

func isCode(err error, code uint) bool {
	var rv pkcs11.Error
	return errors.As(err, &rv) && uint(rv) == code
}
