package pkcs11crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/asn1"
	"math/big"
	"sync"

	"github.com/effective-security/xtoken/sigcodec"
	"github.com/miekg/pkcs11"
)

var oidP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}

func attr(typ uint, val any) []byte {
	return pkcs11.NewAttribute(typ, val).Value
}

type fakeObject struct {
	attrs map[uint][]byte
	rsa   *rsa.PrivateKey
	ec    *ecdsa.PrivateKey
}

func (o *fakeObject) matches(template []*pkcs11.Attribute) bool {
	for _, a := range template {
		if !bytes.Equal(o.attrs[a.Type], a.Value) {
			return false
		}
	}
	return true
}

// fakeCtx is in-memory PKCS#11 library with software keys
type fakeCtx struct {
	lock sync.Mutex

	slots   []uint
	mechs   []uint
	objects map[pkcs11.ObjectHandle]*fakeObject
	next    pkcs11.ObjectHandle

	sessions  map[pkcs11.SessionHandle]uint
	found     map[pkcs11.SessionHandle][]pkcs11.ObjectHandle
	signing   map[pkcs11.SessionHandle]*pkcs11.Mechanism
	signKey   map[pkcs11.SessionHandle]pkcs11.ObjectHandle
	lastSH    pkcs11.SessionHandle
	logins    int
	finalized bool

	slotErr error
	signErr error
}

func newFakeCtx() *fakeCtx {
	return &fakeCtx{
		slots:    []uint{0x10},
		mechs:    []uint{pkcs11.CKM_RSA_X_509, pkcs11.CKM_RSA_PKCS, pkcs11.CKM_ECDSA},
		objects:  make(map[pkcs11.ObjectHandle]*fakeObject),
		sessions: make(map[pkcs11.SessionHandle]uint),
		found:    make(map[pkcs11.SessionHandle][]pkcs11.ObjectHandle),
		signing:  make(map[pkcs11.SessionHandle]*pkcs11.Mechanism),
		signKey:  make(map[pkcs11.SessionHandle]pkcs11.ObjectHandle),
	}
}

func (c *fakeCtx) add(o *fakeObject) pkcs11.ObjectHandle {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.next++
	c.objects[c.next] = o
	return c.next
}

// addRSA adds the private key which exposes its public components
func (c *fakeCtx) addRSA(id, label string, key *rsa.PrivateKey) {
	c.add(&fakeObject{
		rsa: key,
		attrs: map[uint][]byte{
			pkcs11.CKA_CLASS:           attr(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
			pkcs11.CKA_KEY_TYPE:        attr(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
			pkcs11.CKA_ID:              []byte(id),
			pkcs11.CKA_LABEL:           []byte(label),
			pkcs11.CKA_SIGN:            attr(pkcs11.CKA_SIGN, true),
			pkcs11.CKA_MODULUS:         key.N.Bytes(),
			pkcs11.CKA_PUBLIC_EXPONENT: big.NewInt(int64(key.E)).Bytes(),
		},
	})
}

// addEC adds the private key and the public key object with the same CKA_ID
func (c *fakeCtx) addEC(id, label string, key *ecdsa.PrivateKey) {
	params, _ := asn1.Marshal(oidP256)
	pub, _ := key.PublicKey.ECDH()
	point, _ := asn1.Marshal(pub.Bytes())

	c.add(&fakeObject{
		ec: key,
		attrs: map[uint][]byte{
			pkcs11.CKA_CLASS:    attr(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
			pkcs11.CKA_KEY_TYPE: attr(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
			pkcs11.CKA_ID:       []byte(id),
			pkcs11.CKA_LABEL:    []byte(label),
		},
	})
	c.add(&fakeObject{
		attrs: map[uint][]byte{
			pkcs11.CKA_CLASS:     attr(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
			pkcs11.CKA_KEY_TYPE:  attr(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
			pkcs11.CKA_ID:        []byte(id),
			pkcs11.CKA_EC_PARAMS: params,
			pkcs11.CKA_EC_POINT:  point,
		},
	})
}

func (c *fakeCtx) addCert(id string, der []byte) {
	c.add(&fakeObject{
		attrs: map[uint][]byte{
			pkcs11.CKA_CLASS:            attr(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
			pkcs11.CKA_CERTIFICATE_TYPE: attr(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
			pkcs11.CKA_ID:               []byte(id),
			pkcs11.CKA_VALUE:            der,
		},
	})
}

func (c *fakeCtx) Initialize() error { return nil }

func (c *fakeCtx) Finalize() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.finalized = true
	return nil
}

func (c *fakeCtx) Destroy() {}

func (c *fakeCtx) GetSlotList(bool) ([]uint, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.slotErr != nil {
		return nil, c.slotErr
	}
	return c.slots, nil
}

func (c *fakeCtx) GetTokenInfo(uint) (pkcs11.TokenInfo, error) {
	return pkcs11.TokenInfo{Label: "fake", SerialNumber: "0001"}, nil
}

func (c *fakeCtx) GetMechanismList(uint) ([]*pkcs11.Mechanism, error) {
	var list []*pkcs11.Mechanism
	for _, m := range c.mechs {
		list = append(list, pkcs11.NewMechanism(m, nil))
	}
	return list, nil
}

func (c *fakeCtx) OpenSession(slotID uint, _ uint) (pkcs11.SessionHandle, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.lastSH++
	c.sessions[c.lastSH] = slotID
	return c.lastSH, nil
}

func (c *fakeCtx) CloseSession(sh pkcs11.SessionHandle) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.sessions[sh]; !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	delete(c.sessions, sh)
	return nil
}

func (c *fakeCtx) openSessions() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.sessions)
}

func (c *fakeCtx) Login(pkcs11.SessionHandle, uint, string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.logins++
	if c.logins > 1 {
		return pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)
	}
	return nil
}

func (c *fakeCtx) Logout(pkcs11.SessionHandle) error { return nil }

func (c *fakeCtx) FindObjectsInit(sh pkcs11.SessionHandle, template []*pkcs11.Attribute) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	var list []pkcs11.ObjectHandle
	for h := pkcs11.ObjectHandle(1); h <= c.next; h++ {
		if c.objects[h].matches(template) {
			list = append(list, h)
		}
	}
	c.found[sh] = list
	return nil
}

func (c *fakeCtx) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	list := c.found[sh]
	if len(list) > max {
		c.found[sh] = list[max:]
		return list[:max], true, nil
	}
	c.found[sh] = nil
	return list, false, nil
}

func (c *fakeCtx) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.found, sh)
	return nil
}

func (c *fakeCtx) GetAttributeValue(_ pkcs11.SessionHandle, h pkcs11.ObjectHandle, template []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	o, ok := c.objects[h]
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	var res []*pkcs11.Attribute
	for _, a := range template {
		v, ok := o.attrs[a.Type]
		if !ok {
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
		}
		res = append(res, pkcs11.NewAttribute(a.Type, v))
	}
	return res, nil
}

func (c *fakeCtx) SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, h pkcs11.ObjectHandle) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.sessions[sh]; !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	c.signing[sh] = m[0]
	c.signKey[sh] = h
	return nil
}

func (c *fakeCtx) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	c.lock.Lock()
	mech := c.signing[sh]
	o := c.objects[c.signKey[sh]]
	err := c.signErr
	delete(c.signing, sh)
	c.lock.Unlock()

	if err != nil {
		return nil, err
	}
	if mech == nil || o == nil {
		return nil, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}

	switch mech.Mechanism {
	case pkcs11.CKM_RSA_X_509:
		k := (o.rsa.N.BitLen() + 7) / 8
		s := new(big.Int).Exp(new(big.Int).SetBytes(message), o.rsa.D, o.rsa.N)
		return s.FillBytes(make([]byte, k)), nil
	case pkcs11.CKM_RSA_PKCS:
		return rsa.SignPKCS1v15(rand.Reader, o.rsa, 0, message)
	case pkcs11.CKM_ECDSA:
		r, s, err := ecdsa.Sign(rand.Reader, o.ec, message)
		if err != nil {
			return nil, err
		}
		return sigcodec.PlainFromInts(r, s, (o.ec.Curve.Params().BitSize+7)/8)
	}
	return nil, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
}
