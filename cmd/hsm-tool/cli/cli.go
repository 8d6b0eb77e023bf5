package cli

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/ctl"
	"github.com/effective-security/x/print"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/cryptotoken"

	// register backends
	_ "github.com/effective-security/xtoken/cryptotoken/awskmscrypto"
	_ "github.com/effective-security/xtoken/cryptotoken/emucrypto"
	_ "github.com/effective-security/xtoken/cryptotoken/gcpkmscrypto"
	_ "github.com/effective-security/xtoken/cryptotoken/pkcs11crypto"
	_ "github.com/effective-security/xtoken/cryptotoken/providercrypto"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "cli")

// Cli provides CLI context to run commands
type Cli struct {
	Version  ctl.VersionFlag `name:"version" help:"Print version information and quit" hidden:""`
	Cfg      string          `help:"Location of the token module config file" type:"path"`
	Debug    bool            `short:"D" help:"Enable debug mode"`
	LogLevel string          `short:"l" help:"Set the logging level (debug|info|warn|error)" default:"error"`

	// Stdin is the source to read from, typically set to os.Stdin
	stdin io.Reader
	// Output is the destination for all output from the command, typically set to os.Stdout
	output io.Writer
	// ErrOutput is the destinaton for errors.
	// If not set, errors will be written to os.StdError
	errOutput io.Writer

	ctx     context.Context
	service *cryptotoken.Service
}

// Context for requests
func (c *Cli) Context() context.Context {
	if c.ctx == nil {
		c.ctx = context.Background()
	}
	return c.ctx
}

// Reader is the source to read from, typically set to os.Stdin
func (c *Cli) Reader() io.Reader {
	if c.stdin != nil {
		return c.stdin
	}
	return os.Stdin
}

// WithReader allows to specify a custom reader
func (c *Cli) WithReader(reader io.Reader) *Cli {
	c.stdin = reader
	return c
}

// Writer returns a writer for control output
func (c *Cli) Writer() io.Writer {
	if c.output != nil {
		return c.output
	}
	return os.Stdout
}

// WithWriter allows to specify a custom writer
func (c *Cli) WithWriter(out io.Writer) *Cli {
	c.output = out
	return c
}

// ErrWriter returns a writer for control output
func (c *Cli) ErrWriter() io.Writer {
	if c.errOutput != nil {
		return c.errOutput
	}
	return os.Stderr
}

// WithErrWriter allows to specify a custom error writer
func (c *Cli) WithErrWriter(out io.Writer) *Cli {
	c.errOutput = out
	return c
}

// AfterApply hook sets the log level
func (c *Cli) AfterApply(app *kong.Kong, vars kong.Vars) error {
	if c.Debug {
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	} else {
		val := strings.TrimLeft(c.LogLevel, "=")
		l, err := xlog.ParseLevel(strings.ToUpper(val))
		if err != nil {
			return errors.WithStack(err)
		}
		xlog.SetGlobalLogLevel(l)
	}
	return nil
}

// WriteJSON prints value to out
func (c *Cli) WriteJSON(value any) {
	print.JSON(c.Writer(), value)
}

// Service returns the signing service of the configured module
func (c *Cli) Service() (*cryptotoken.Service, error) {
	if c.service != nil {
		return c.service, nil
	}
	if c.Cfg == "" {
		return nil, errors.New("use --cfg flag to specify the token config file")
	}
	cfg, err := cryptotoken.LoadModuleConfig(c.Cfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to load config")
	}
	s, err := cryptotoken.NewService(cfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to initialize module %s", cfg.Name)
	}
	logger.KV(xlog.DEBUG, "module", cfg.Name, "type", cfg.Type, "state", s.State())
	c.service = s
	return s, nil
}

// Close releases the service
func (c *Cli) Close() {
	if c.service != nil {
		_ = c.service.Close()
		c.service = nil
	}
}

// KeyFlags specifies the slot and the key
type KeyFlags struct {
	SlotIndex int    `help:"slot index" default:"-1"`
	SlotID    int64  `name:"slot-id" help:"slot identifier" default:"-1"`
	KeyID     string `name:"key-id" help:"key identifier, hex encoded"`
	KeyLabel  string `help:"key label"`
}

// Slot returns the slot reference, defaults to the first slot.
// Negative values are not set.
func (f *KeyFlags) Slot() cryptotoken.SlotRef {
	var ref cryptotoken.SlotRef
	if f.SlotIndex >= 0 {
		ref.Index, ref.HasIndex = f.SlotIndex, true
	}
	if f.SlotID >= 0 {
		ref.ID, ref.HasID = uint(f.SlotID), true
	}
	if !ref.HasIndex && !ref.HasID {
		ref = cryptotoken.SlotByIndex(0)
	}
	return ref
}

// Key returns the key reference
func (f *KeyFlags) Key() (cryptotoken.KeyID, error) {
	var key cryptotoken.KeyID
	if f.KeyID != "" {
		id, err := hex.DecodeString(f.KeyID)
		if err != nil {
			return key, errors.WithMessagef(err, "invalid --key-id")
		}
		key.ID = id
	}
	key.Label = f.KeyLabel
	if key.IsEmpty() {
		return key, errors.New("use --key-id or --key-label flag to specify the key")
	}
	return key, nil
}

// Identity returns the Identity specified by flags
func (f *KeyFlags) Identity(ctx *Cli) (*cryptotoken.Identity, error) {
	key, err := f.Key()
	if err != nil {
		return nil, err
	}
	svc, err := ctx.Service()
	if err != nil {
		return nil, err
	}
	return svc.Identity(f.Slot(), key)
}
