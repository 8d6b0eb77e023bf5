package cli

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/guid"
	"github.com/effective-security/xtoken/certutil"
	"github.com/effective-security/xtoken/cryptotoken"
	"github.com/effective-security/xtoken/cryptotoken/emucrypto"
)

// EmulatorCmd is the parent for software token commands
type EmulatorCmd struct {
	Keygen EmulatorKeygenCmd `cmd:"" help:"generate key in the software token folder"`
}

// EmulatorKeygenCmd generates key in the software token
type EmulatorKeygenCmd struct {
	Path       string `required:"" help:"software token folder" type:"path"`
	Pin        string `required:"" help:"token PIN, supports file: and env: prefixes"`
	Iterations int    `help:"PBKDF2 iterations of the PIN" default:"0"`
	SlotIndex  int    `help:"slot index" default:"0"`
	SlotID     uint   `name:"slot-id" help:"slot identifier" default:"0"`
	Algo       string `required:"" help:"algorithm: RSA|EC|DSA"`
	Size       int    `required:"" help:"RSA key size in bits, EC curve size: 256|384|521, or DSA size: 1024|2048|3072"`
	Label      string `required:"" help:"label for generated key, the * suffix is replaced with a timestamp"`
}

// Run the command
func (a *EmulatorKeygenCmd) Run(ctx *Cli) error {
	pin, err := cryptotoken.ResolvePin(a.Pin, "")
	if err != nil {
		return errors.WithMessagef(err, "unable to load PIN")
	}
	store, err := emucrypto.NewStore(a.Path, pin, a.Iterations)
	if err != nil {
		return err
	}

	slot := cryptotoken.SlotID{Index: a.SlotIndex, ID: a.SlotID}
	id, pub, err := store.GenerateKey(ctx.Context(), slot, a.Algo, a.Size, prefixKeyLabel(a.Label))
	if err != nil {
		return errors.WithMessagef(err, "unable to generate key")
	}
	pem, err := certutil.EncodePublicKeyToPEM(pub)
	if err != nil {
		return err
	}

	out := ctx.Writer()
	fmt.Fprintf(out, "Slot:  %s\n", slot)
	fmt.Fprintf(out, "Id:    %s\n", hex.EncodeToString(id.ID))
	fmt.Fprintf(out, "Label: %s\n", id.Label)
	fmt.Fprint(out, string(pem))
	return nil
}

// prefixKeyLabel adds a date suffix to label for a key
func prefixKeyLabel(label string) string {
	if strings.HasSuffix(label, "*") {
		g := guid.MustCreate()
		t := time.Now().UTC()
		label = strings.TrimSuffix(label, "*") +
			fmt.Sprintf("_%04d%02d%02d%02d%02d%02d_%x", t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), g[:4])
	}
	return label
}
