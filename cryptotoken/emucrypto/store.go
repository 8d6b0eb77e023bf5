package emucrypto

import (
	"context"
	"crypto"
	"crypto/dsa" // nolint: staticcheck
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/certutil"
	"github.com/effective-security/xtoken/cryptotoken"
	"github.com/effective-security/xtoken/dataprotection"
	"gopkg.in/yaml.v3"
)

const (
	keysFolder  = "keys"
	certsFolder = "certs"
)

// keyFile is the on-disk representation of a key
type keyFile struct {
	ID         string `yaml:"id"`
	Label      string `yaml:"label,omitempty"`
	PublicKey  string `yaml:"public_key"`
	PrivateKey string `yaml:"private_key"`
}

// keyMaterial is protected with the token PIN,
// DSA keys have no PKCS#8 form in crypto/x509 and are kept as parameters
type keyMaterial struct {
	PKCS8 []byte  `json:"pkcs8,omitempty"`
	DSA   *dsaKey `json:"dsa,omitempty"`
}

type dsaKey struct {
	P *big.Int `json:"p"`
	Q *big.Int `json:"q"`
	G *big.Int `json:"g"`
	Y *big.Int `json:"y"`
	X *big.Int `json:"x"`
}

func newKeyMaterial(priv crypto.PrivateKey) (*keyMaterial, error) {
	if k, ok := priv.(*dsa.PrivateKey); ok {
		return &keyMaterial{DSA: &dsaKey{P: k.P, Q: k.Q, G: k.G, Y: k.Y, X: k.X}}, nil
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &keyMaterial{PKCS8: pkcs8}, nil
}

func (km *keyMaterial) privateKey() (crypto.PrivateKey, error) {
	if k := km.DSA; k != nil {
		if k.P == nil || k.Q == nil || k.G == nil || k.Y == nil || k.X == nil ||
			k.X.Sign() <= 0 || k.X.Cmp(k.Q) >= 0 {
			return nil, errors.New("invalid DSA private key")
		}
		return &dsa.PrivateKey{
			PublicKey: dsa.PublicKey{
				Parameters: dsa.Parameters{P: k.P, Q: k.Q, G: k.G},
				Y:          k.Y,
			},
			X: k.X,
		}, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(km.PKCS8)
	if err != nil {
		return nil, errors.Errorf("unable to parse private key")
	}
	if _, ok := key.(crypto.Signer); !ok {
		return nil, errors.Errorf("unsupported private key: %T", key)
	}
	return key, nil
}

func publicOf(priv crypto.PrivateKey) (crypto.PublicKey, error) {
	switch k := priv.(type) {
	case *dsa.PrivateKey:
		return &k.PublicKey, nil
	case crypto.Signer:
		return k.Public(), nil
	}
	return nil, errors.Errorf("unsupported private key: %T", priv)
}

var dsaSizes = map[int]dsa.ParameterSizes{
	1024: dsa.L1024N160,
	2048: dsa.L2048N256,
	3072: dsa.L3072N256,
}

// Store provides access to the software token folder:
// <root>/<index>-<id>/keys/<hex id>.yaml and <root>/<index>-<id>/certs/*.pem
type Store struct {
	root      string
	protector dataprotection.Provider
}

// NewStore returns Store for the token folder,
// keys are protected with a key derived from the PIN
func NewStore(root, pin string, iterations int) (*Store, error) {
	p, err := dataprotection.NewPassword([]byte(pin), iterations)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid PIN")
	}
	return &Store{root: root, protector: p}, nil
}

// Root returns the token folder
func (s *Store) Root() string {
	return s.root
}

// SlotDir returns the folder of the slot
func (s *Store) SlotDir(slot cryptotoken.SlotID) string {
	return filepath.Join(s.root, fmt.Sprintf("%d-%d", slot.Index, slot.ID))
}

// CreateSlot creates the slot folders
func (s *Store) CreateSlot(slot cryptotoken.SlotID) error {
	dir := s.SlotDir(slot)
	for _, sub := range []string{keysFolder, certsFolder} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// ListSlots returns slots found in the token folder
func (s *Store) ListSlots() ([]cryptotoken.SlotID, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to read token folder")
	}

	var list []cryptotoken.SlotID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var sid cryptotoken.SlotID
		if n, err := fmt.Sscanf(e.Name(), "%d-%d", &sid.Index, &sid.ID); err != nil || n != 2 ||
			e.Name() != fmt.Sprintf("%d-%d", sid.Index, sid.ID) {
			logger.Debugf("reason=skip_folder, name=%q", e.Name())
			continue
		}
		list = append(list, sid)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Index < list[j].Index })
	return list, nil
}

// GenerateKey creates a new key in the slot,
// algo is RSA, EC or DSA, size is the modulus bits, the curve size or the size of DSA prime P
func (s *Store) GenerateKey(ctx context.Context, slot cryptotoken.SlotID, algo string, size int, label string) (cryptotoken.KeyID, crypto.PublicKey, error) {
	var priv crypto.PrivateKey
	var err error

	switch strings.ToUpper(algo) {
	case "RSA":
		if size < 1024 {
			return cryptotoken.KeyID{}, nil, errors.Errorf("unsupported RSA key size: %d", size)
		}
		priv, err = rsa.GenerateKey(rand.Reader, size)
	case "EC", "ECDSA":
		var curve elliptic.Curve
		switch size {
		case 256:
			curve = elliptic.P256()
		case 384:
			curve = elliptic.P384()
		case 521:
			curve = elliptic.P521()
		default:
			return cryptotoken.KeyID{}, nil, errors.Errorf("unsupported curve size: %d", size)
		}
		priv, err = ecdsa.GenerateKey(curve, rand.Reader)
	case "DSA":
		sizes, ok := dsaSizes[size]
		if !ok {
			return cryptotoken.KeyID{}, nil, errors.Errorf("unsupported DSA key size: %d", size)
		}
		k := new(dsa.PrivateKey)
		if err = dsa.GenerateParameters(&k.Parameters, rand.Reader, sizes); err == nil {
			err = dsa.GenerateKey(k, rand.Reader)
		}
		priv = k
	default:
		return cryptotoken.KeyID{}, nil, errors.Errorf("unsupported algorithm: %s", algo)
	}
	if err != nil {
		return cryptotoken.KeyID{}, nil, errors.WithStack(err)
	}

	id, err := s.WriteKey(ctx, slot, cryptotoken.KeyID{Label: label}, priv)
	if err != nil {
		return cryptotoken.KeyID{}, nil, err
	}
	pub, _ := publicOf(priv)
	return id, pub, nil
}

// WriteKey stores the private key in the slot, RSA, ECDSA and DSA keys are supported.
// If the key ID is empty, SHA-1 of the public key is used.
func (s *Store) WriteKey(ctx context.Context, slot cryptotoken.SlotID, key cryptotoken.KeyID, priv crypto.PrivateKey) (cryptotoken.KeyID, error) {
	pub, err := publicOf(priv)
	if err != nil {
		return key, err
	}
	pubDER, err := certutil.MarshalPKIXPublicKey(pub)
	if err != nil {
		return key, err
	}
	if len(key.ID) == 0 {
		h := sha1.Sum(pubDER)
		key.ID = h[:]
	}

	km, err := newKeyMaterial(priv)
	if err != nil {
		return key, err
	}
	hexID := hex.EncodeToString(key.ID)
	protected, err := dataprotection.ProtectObject(ctx, s.protector, km, []byte(hexID))
	if err != nil {
		return key, err
	}
	pubPEM, err := certutil.EncodePublicKeyToPEM(pub)
	if err != nil {
		return key, err
	}

	kf := &keyFile{
		ID:         hexID,
		Label:      key.Label,
		PublicKey:  string(pubPEM),
		PrivateKey: protected,
	}
	b, err := yaml.Marshal(kf)
	if err != nil {
		return key, errors.WithStack(err)
	}

	if err = s.CreateSlot(slot); err != nil {
		return key, err
	}
	fn := filepath.Join(s.SlotDir(slot), keysFolder, kf.ID+".yaml")
	if _, err := os.Stat(fn); err == nil {
		return key, errors.Errorf("key already exists: %s", kf.ID)
	}
	if err = os.WriteFile(fn, b, 0600); err != nil {
		return key, errors.WithStack(err)
	}

	logger.KV(xlog.INFO, "slot", slot, "id", kf.ID, "label", key.Label, "status", "created")
	return key, nil
}

// WriteCertificates stores PEM encoded certificates in the slot
func (s *Store) WriteCertificates(slot cryptotoken.SlotID, name string, certs ...*x509.Certificate) error {
	pem, err := certutil.EncodeToPEMString(false, certs...)
	if err != nil {
		return err
	}
	if err = s.CreateSlot(slot); err != nil {
		return err
	}
	fn := filepath.Join(s.SlotDir(slot), certsFolder, name+".pem")
	return errors.WithStack(os.WriteFile(fn, []byte(pem+"\n"), 0600))
}

// loadedKey is a key read from the slot
type loadedKey struct {
	id   cryptotoken.KeyID
	pub  crypto.PublicKey
	priv crypto.PrivateKey
}

// readKeys returns all keys in the slot, keys which can not be read are skipped
func (s *Store) readKeys(ctx context.Context, slot cryptotoken.SlotID) ([]*loadedKey, error) {
	dir := filepath.Join(s.SlotDir(slot), keysFolder)
	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sort.Strings(files)

	var list []*loadedKey
	for _, fn := range files {
		k, err := s.readKey(ctx, fn)
		if err != nil {
			logger.KV(xlog.WARNING, "reason", "read_key", "slot", slot, "file", filepath.Base(fn), "err", err.Error())
			continue
		}
		list = append(list, k)
	}
	return list, nil
}

func (s *Store) readKey(ctx context.Context, fn string) (*loadedKey, error) {
	b, err := os.ReadFile(fn)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var kf keyFile
	if err = yaml.Unmarshal(b, &kf); err != nil {
		return nil, errors.WithMessage(err, "failed to decode key")
	}
	id, err := hex.DecodeString(kf.ID)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid key id")
	}

	var km keyMaterial
	// the key material is bound to the key id
	if err = dataprotection.UnprotectObject(ctx, s.protector, kf.PrivateKey, []byte(kf.ID), &km); err != nil {
		return nil, err
	}
	priv, err := km.privateKey()
	if err != nil {
		return nil, err
	}
	privPub, err := publicOf(priv)
	if err != nil {
		return nil, err
	}

	pub, err := certutil.ParsePublicKeyPEM([]byte(kf.PublicKey))
	if err != nil {
		return nil, err
	}
	if !cryptotoken.PublicKeyEqual(pub, privPub) {
		return nil, errors.Errorf("public key does not match the private key")
	}

	return &loadedKey{
		id:   cryptotoken.KeyID{ID: id, Label: kf.Label},
		pub:  pub,
		priv: priv,
	}, nil
}

// readCertificates returns all certificates in the slot
func (s *Store) readCertificates(slot cryptotoken.SlotID) ([]*x509.Certificate, error) {
	files, err := filepath.Glob(filepath.Join(s.SlotDir(slot), certsFolder, "*.pem"))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sort.Strings(files)

	var list []*x509.Certificate
	for _, fn := range files {
		certs, err := certutil.LoadChainFromPEM(fn)
		if err != nil {
			logger.KV(xlog.WARNING, "reason", "read_certs", "slot", slot, "file", filepath.Base(fn), "err", err.Error())
			continue
		}
		list = append(list, certs...)
	}
	return list, nil
}
