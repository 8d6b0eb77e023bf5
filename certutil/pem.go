package certutil

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

const certTimeFormat = "2006-01-02 15:04:05 MST"

// LoadChainFromPEM returns Certificates loaded from the file
func LoadChainFromPEM(certFile string) ([]*x509.Certificate, error) {
	b, err := os.ReadFile(certFile)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return ParseChainFromPEM(b)
}

// ParseChainFromPEM returns Certificates parsed from PEM,
// blocks of other types are ignored
func ParseChainFromPEM(certificateChainPem []byte) ([]*x509.Certificate, error) {
	list := make([]*x509.Certificate, 0)
	var block *pem.Block
	rest := bytes.TrimSpace(certificateChainPem)
	for len(rest) != 0 {
		block, rest = pem.Decode(rest)
		if block == nil {
			return list, errors.Errorf("potentially malformed PEM")
		}
		if block.Type == "CERTIFICATE" {
			crt, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, errors.WithMessage(err, "failed to parse certificate")
			}
			list = append(list, crt)
		}
		rest = bytes.TrimSpace(rest)
	}
	return list, nil
}

// EncodeToPEM converts certificates to PEM format, with optional comments
func EncodeToPEM(out io.Writer, withComments bool, certs ...*x509.Certificate) error {
	for _, crt := range certs {
		if crt == nil {
			continue
		}
		if withComments {
			fmt.Fprintf(out, "#   Issuer: %s\n", crt.Issuer.String())
			fmt.Fprintf(out, "#   Subject: %s\n", crt.Subject.String())
			fmt.Fprintf(out, "#   Not Before: %s\n", crt.NotBefore.UTC().Format(certTimeFormat))
			fmt.Fprintf(out, "#   Not After : %s\n", crt.NotAfter.UTC().Format(certTimeFormat))
		}
		if err := pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: crt.Raw}); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// EncodeToPEMString converts certificates to PEM format
func EncodeToPEMString(withComments bool, certs ...*x509.Certificate) (string, error) {
	b := &strings.Builder{}
	if err := EncodeToPEM(b, withComments, certs...); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}

// EncodePublicKeyToPEM returns PEM encoded public key
func EncodePublicKeyToPEM(pubKey crypto.PublicKey) ([]byte, error) {
	der, err := MarshalPKIXPublicKey(pubKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKeyPEM parses PEM encoded public key
func ParsePublicKeyPEM(key []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(key)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("key must be PEM encoded")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to parse public key")
	}
	return pub, nil
}
