package awskmscrypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/cryptotoken"
	"github.com/effective-security/xtoken/metricskey"
	"github.com/effective-security/xtoken/sigcodec"
)

// Signer implements crypto.Signer interface
type Signer struct {
	keyID             string
	label             string
	signingAlgorithms []types.SigningAlgorithmSpec
	pubKey            crypto.PublicKey
	m                 *Module
}

var _ crypto.Signer = (*Signer)(nil)

// NewSigner creates new signer
func NewSigner(keyID string, label string, signingAlgorithms []types.SigningAlgorithmSpec, publicKey crypto.PublicKey, m *Module) *Signer {
	return &Signer{
		keyID:             keyID,
		label:             label,
		signingAlgorithms: signingAlgorithms,
		pubKey:            publicKey,
		m:                 m,
	}
}

// KeyID returns key id of the signer
func (s *Signer) KeyID() string {
	return s.keyID
}

// Label returns key label of the signer
func (s *Signer) Label() string {
	return s.label
}

// Public returns public key for the signer
func (s *Signer) Public() crypto.PublicKey {
	return s.pubKey
}

func (s *Signer) String() string {
	return fmt.Sprintf("id=%s, label=%s",
		s.KeyID(),
		s.Label(),
	)
}

// Sign implements signing operation
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) (signature []byte, err error) {
	defer metricskey.PerfBackendOperation.MeasureSince(time.Now(), BackendType, "sign")

	algo, err := sigAlgo(s.pubKey, opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to determine signature algorithm")
	}
	if len(s.signingAlgorithms) > 0 && !containsAlgo(s.signingAlgorithms, algo) {
		return nil, errors.Errorf("%s is not supported by key %s", algo, s.keyID)
	}

	ctx, cancel := s.m.context()
	defer cancel()

	req := &kms.SignInput{
		KeyId:            &s.keyID,
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: algo,
	}
	resp, err := s.m.client.Sign(ctx, req)
	if err != nil {
		logger.KV(xlog.ERROR, "id", s.keyID, "algo", algo, "err", err.Error())
		return nil, errors.WithMessagef(classify(err), "unable to sign")
	}
	return resp.Signature, nil
}

func containsAlgo(list []types.SigningAlgorithmSpec, algo types.SigningAlgorithmSpec) bool {
	for _, a := range list {
		if a == algo {
			return true
		}
	}
	return false
}

func sigAlgo(publicKey crypto.PublicKey, opts crypto.SignerOpts) (types.SigningAlgorithmSpec, error) {
	var pubalgo string
	var pad string

	switch publicKey.(type) {
	case *rsa.PublicKey:
		pubalgo = "RSASSA_"

		switch t := opts.(type) {
		case *rsa.PSSOptions:
			pad = "PSS_"
			opts = t.Hash
		default:
			pad = "PKCS1_V1_5_"
		}
	case *ecdsa.PublicKey:
		pubalgo = "ECDSA_"
	default:
		return "", errors.Errorf("unknown type of public key: %s", reflect.TypeOf(publicKey))
	}

	var algo string
	switch opts.HashFunc() {
	case crypto.SHA256:
		algo = pubalgo + pad + "SHA_256"
	case crypto.SHA384:
		algo = pubalgo + pad + "SHA_384"
	case crypto.SHA512:
		algo = pubalgo + pad + "SHA_512"
	default:
		return "", errors.Errorf("unsupported hash: %v", opts.HashFunc())
	}
	return types.SigningAlgorithmSpec(algo), nil
}

// ecdsaHash returns the hash KMS expects for the curve
func ecdsaHash(pub *ecdsa.PublicKey) (crypto.Hash, error) {
	switch pub.Curve.Params().BitSize {
	case 256:
		return crypto.SHA256, nil
	case 384:
		return crypto.SHA384, nil
	case 521:
		return crypto.SHA512, nil
	}
	return 0, errors.Errorf("unsupported curve: %s", pub.Curve.Params().Name)
}

// signContext adapts Signer to the token operations
type signContext struct {
	signer *Signer
}

func (c *signContext) Sign(op cryptotoken.Operation, input []byte, opts crypto.SignerOpts) ([]byte, error) {
	switch op {
	case cryptotoken.OpRSAPKCS1:
		hash, digest, err := sigcodec.ParseDigestInfo(input)
		if err != nil {
			return nil, err
		}
		return c.signer.Sign(nil, digest, hash)
	case cryptotoken.OpRSAPSS:
		pss, ok := opts.(*rsa.PSSOptions)
		if !ok {
			return nil, errors.New("PSS options are required")
		}
		if pss.SaltLength != pss.Hash.Size() && pss.SaltLength != rsa.PSSSaltLengthEqualsHash {
			return nil, errors.Errorf("KMS supports only salt length of the hash size: %d", pss.SaltLength)
		}
		return c.signer.Sign(nil, input, pss)
	case cryptotoken.OpDSS:
		pub, ok := c.signer.pubKey.(*ecdsa.PublicKey)
		if !ok {
			return nil, errors.New("DSS requires ECDSA key")
		}
		hash, err := ecdsaHash(pub)
		if err != nil {
			return nil, err
		}
		// leading zeros keep the integer value of the digest
		size := hash.Size()
		if len(input) > size {
			return nil, errors.Errorf("digest is too long: %d", len(input))
		}
		digest := make([]byte, size)
		copy(digest[size-len(input):], input)
		return c.signer.Sign(nil, digest, hash)
	}
	return nil, errors.Errorf("unsupported operation: %s", op)
}

func (c *signContext) Close() error {
	return nil
}
