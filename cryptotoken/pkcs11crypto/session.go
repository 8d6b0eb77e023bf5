package pkcs11crypto

import (
	"crypto"
	"crypto/rsa"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/cryptotoken"
	"github.com/effective-security/xtoken/metricskey"
	"github.com/miekg/pkcs11"
)

// session is the signing context bound to a PKCS#11 session
type session struct {
	m       *Module
	sh      pkcs11.SessionHandle
	key     pkcs11.ObjectHandle
	keyType uint
	dssMech uint
}

var pssHashes = map[crypto.Hash][2]uint{
	crypto.SHA1:   {pkcs11.CKM_SHA_1, pkcs11.CKG_MGF1_SHA1},
	crypto.SHA224: {pkcs11.CKM_SHA224, pkcs11.CKG_MGF1_SHA224},
	crypto.SHA256: {pkcs11.CKM_SHA256, pkcs11.CKG_MGF1_SHA256},
	crypto.SHA384: {pkcs11.CKM_SHA384, pkcs11.CKG_MGF1_SHA384},
	crypto.SHA512: {pkcs11.CKM_SHA512, pkcs11.CKG_MGF1_SHA512},
}

func (s *session) Sign(op cryptotoken.Operation, input []byte, opts crypto.SignerOpts) ([]byte, error) {
	var mech *pkcs11.Mechanism
	switch op {
	case cryptotoken.OpRSAX509:
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_X_509, nil)
	case cryptotoken.OpRSAPKCS1:
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
	case cryptotoken.OpRSAPSS:
		pss, ok := opts.(*rsa.PSSOptions)
		if !ok {
			return nil, errors.New("PSS options are required")
		}
		h, ok := pssHashes[pss.Hash]
		if !ok {
			return nil, errors.Errorf("unsupported PSS hash: %v", pss.Hash)
		}
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_PSS, pkcs11.NewPSSParams(h[0], h[1], uint(pss.SaltLength)))
	case cryptotoken.OpDSS:
		if s.dssMech == 0 {
			return nil, errors.New("DSS is not supported by the key")
		}
		mech = pkcs11.NewMechanism(s.dssMech, nil)
	default:
		return nil, errors.Errorf("unsupported operation: %s", op)
	}

	defer metricskey.PerfBackendOperation.MeasureSince(time.Now(), BackendType, op.String())

	if err := s.m.ctx.SignInit(s.sh, []*pkcs11.Mechanism{mech}, s.key); err != nil {
		return nil, errors.WithMessage(Classify(err), "failed to init signing")
	}
	sig, err := s.m.ctx.Sign(s.sh, input)
	if err != nil {
		return nil, errors.WithMessage(Classify(err), "failed to sign")
	}
	return sig, nil
}

func (s *session) Close() error {
	if s.m.closed.Load() {
		return nil
	}
	return Classify(s.m.ctx.CloseSession(s.sh))
}
