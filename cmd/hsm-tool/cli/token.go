package cli

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/certutil"
	"github.com/effective-security/xtoken/contentsigner"
	"github.com/effective-security/xtoken/cryptotoken"
	"github.com/effective-security/xtoken/oid"
	jose "github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ListCmd prints identities of the token
type ListCmd struct {
	SlotIndex int   `help:"filter by slot index" default:"-1"`
	SlotID    int64 `name:"slot-id" help:"filter by slot identifier" default:"-1"`
	Certs     bool  `help:"print certificates of the slots"`
	JSON      bool  `name:"json" help:"print in JSON format"`
}

// Run the command
func (a *ListCmd) Run(ctx *Cli) error {
	svc, err := ctx.Service()
	if err != nil {
		return err
	}

	var filter *cryptotoken.SlotRef
	if a.SlotIndex >= 0 || a.SlotID >= 0 {
		f := KeyFlags{SlotIndex: a.SlotIndex, SlotID: a.SlotID}
		ref := f.Slot()
		filter = &ref
	}

	list, err := svc.ListIdentities(filter)
	if err != nil {
		return errors.WithMessagef(err, "failed to list identities")
	}
	if a.JSON {
		ctx.WriteJSON(list)
		return nil
	}

	out := ctx.Writer()
	if len(list) == 0 {
		fmt.Fprintln(out, "no keys found")
	}

	var slot *cryptotoken.SlotID
	for i, info := range list {
		if slot == nil || *slot != info.Slot {
			slot = &list[i].Slot
			fmt.Fprintf(out, "Slot: %s\n", info.Slot)
		}
		printIdentity(out, &info)
	}

	if a.Certs {
		slots, err := svc.Slots()
		if err != nil {
			return err
		}
		for _, sid := range slots {
			if filter != nil && !filter.Matches(sid) {
				continue
			}
			certs, err := svc.Certificates(cryptotoken.RefOf(sid))
			if err != nil {
				return errors.WithMessagef(err, "failed to list certificates on slot %s", sid)
			}
			fmt.Fprintf(out, "Certificates on slot %s: %d\n", sid, len(certs))
			printCertificates(out, certs)
		}
	}
	return nil
}

func printIdentity(out io.Writer, info *cryptotoken.IdentityInfo) {
	names := make([]string, 0, len(info.Mechanisms))
	for _, m := range info.Mechanisms {
		names = append(names, m.String())
	}
	fmt.Fprintf(out, "  Id:         %s\n", hex.EncodeToString(info.Key.ID))
	if info.Key.Label != "" {
		fmt.Fprintf(out, "  Label:      %s\n", info.Key.Label)
	}
	fmt.Fprintf(out, "  Type:       %s %d\n", info.Algorithm, info.KeyBits)
	fmt.Fprintf(out, "  Mechanisms: %s\n", strings.Join(names, ", "))
	if info.HasCertificate {
		fmt.Fprintf(out, "  Subject:    %s\n", info.Subject)
	}
}

func printCertificates(out io.Writer, certs []*x509.Certificate) {
	for i, crt := range certs {
		fmt.Fprintf(out, "[%d]\n", i)
		fmt.Fprintf(out, "  Subject:   %s\n", crt.Subject.String())
		fmt.Fprintf(out, "  Issuer:    %s\n", crt.Issuer.String())
		fmt.Fprintf(out, "  Serial:    %s\n", crt.SerialNumber.String())
		fmt.Fprintf(out, "  Expires:   %s\n", crt.NotAfter.UTC().Format(time.RFC3339))
		fmt.Fprintf(out, "  Algorithm: %s\n", crt.SignatureAlgorithm.String())
		if crt.BasicConstraintsValid {
			fmt.Fprintf(out, "  CA:        %t\n", crt.IsCA)
		}
		if ku := oid.KeyUsages(crt.KeyUsage); len(ku) > 0 {
			fmt.Fprintf(out, "  Usage:     %s\n", strings.Join(ku, ", "))
		}
		eku := append(oid.ExtKeyUsages(crt.ExtKeyUsage...), oid.Strings(crt.UnknownExtKeyUsage...)...)
		if len(eku) > 0 {
			fmt.Fprintf(out, "  Ext Usage: %s\n", strings.Join(eku, ", "))
		}
		if len(crt.PolicyIdentifiers) > 0 {
			fmt.Fprintf(out, "  Policies:  %s\n", strings.Join(oid.Strings(crt.PolicyIdentifiers...), ", "))
		}
	}
}

// SignCmd signs a digest or a file
type SignCmd struct {
	KeyFlags

	Alg    string `required:"" help:"signature algorithm, for example SHA256-RSA, SHA256-RSAPSS, ECDSA-SHA256, PLAIN-ECDSA-SHA256"`
	Digest string `help:"hex encoded digest to sign" xor:"input"`
	In     string `help:"file to hash and sign" type:"existingfile" xor:"input"`
}

// Run the command
func (a *SignCmd) Run(ctx *Cli) error {
	alg, err := contentsigner.ParseAlgorithm(a.Alg)
	if err != nil {
		return err
	}
	if a.Digest == "" && a.In == "" {
		return errors.New("use --digest or --in flag to specify the input")
	}

	id, err := a.Identity(ctx)
	if err != nil {
		return err
	}
	svc, err := ctx.Service()
	if err != nil {
		return err
	}
	signer, err := contentsigner.NewBuilder(alg, svc).WithParallelism(1).Build(id)
	if err != nil {
		return err
	}

	var sig []byte
	if a.Digest != "" {
		digest, err := hex.DecodeString(a.Digest)
		if err != nil {
			return errors.WithMessagef(err, "invalid --digest")
		}
		sig, err = signer.SignDigest(ctx.Context(), digest)
		if err != nil {
			return err
		}
	} else {
		data, err := os.ReadFile(a.In)
		if err != nil {
			return errors.WithStack(err)
		}
		sig, err = signer.SignData(ctx.Context(), data)
		if err != nil {
			return err
		}
	}

	fmt.Fprintln(ctx.Writer(), hex.EncodeToString(sig))
	return nil
}

// PubKeyCmd prints the public key
type PubKeyCmd struct {
	KeyFlags

	JWK   bool   `name:"jwk" help:"print in JWK format"`
	Alg   string `help:"optional, JWK signature algorithm, for example RS256"`
	Chain bool   `help:"print the certificate chain"`
}

// Run the command
func (a *PubKeyCmd) Run(ctx *Cli) error {
	id, err := a.Identity(ctx)
	if err != nil {
		return err
	}
	out := ctx.Writer()

	if a.JWK {
		kid := hex.EncodeToString(id.KeyID().ID)
		if kid == "" {
			kid = id.KeyID().Label
		}
		jwk := jose.JSONWebKey{
			Key:       id.PublicKey(),
			KeyID:     kid,
			Algorithm: a.Alg,
			Use:       "sig",
		}
		if !jwk.Valid() {
			return errors.Errorf("JWK is not supported for %s key", id.Family())
		}
		for _, crt := range id.CertificateChain() {
			jwk.Certificates = append(jwk.Certificates, crt)
		}
		ctx.WriteJSON(jwk)
		return nil
	}

	pem, err := certutil.EncodePublicKeyToPEM(id.PublicKey())
	if err != nil {
		return err
	}
	fmt.Fprint(out, string(pem))

	if a.Chain {
		chain, err := certutil.EncodeToPEMString(true, id.CertificateChain()...)
		if err != nil {
			return err
		}
		if chain != "" {
			fmt.Fprintln(out, chain)
		}
	}
	return nil
}

// JWTCmd signs JWT with the key
type JWTCmd struct {
	KeyFlags

	Alg    string `help:"optional, JWS algorithm, for example RS256, PS256, ES256; by default selected by the key"`
	Claims string `required:"" help:"claims in JSON format"`
	Kid    string `help:"optional, key ID header"`
}

// Run the command
func (a *JWTCmd) Run(ctx *Cli) error {
	claims := jwt.MapClaims{}
	if err := json.Unmarshal([]byte(a.Claims), &claims); err != nil {
		return errors.WithMessagef(err, "invalid --claims")
	}

	id, err := a.Identity(ctx)
	if err != nil {
		return err
	}
	svc, err := ctx.Service()
	if err != nil {
		return err
	}
	m, err := contentsigner.NewSigningMethod(a.Alg, id, svc)
	if err != nil {
		return err
	}

	var headers map[string]any
	if a.Kid != "" {
		headers = map[string]any{"kid": a.Kid}
	}
	token, err := m.SignToken(claims, headers)
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.Writer(), token)
	return nil
}
