package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/effective-security/x/ctl"
	"github.com/effective-security/xtoken/cryptotoken"
	"github.com/effective-security/xtoken/cryptotoken/emucrypto"
	"github.com/stretchr/testify/suite"
)

const testPin = "1234"

var slot0 = cryptotoken.SlotID{Index: 0, ID: 100}

type testSuite struct {
	suite.Suite

	ctl   *Cli
	store *emucrypto.Store
	// Out is the outpub buffer
	Out bytes.Buffer
}

func (s *testSuite) SetupTest() {
	root := s.T().TempDir()
	tokenDir := filepath.Join(root, "token")
	s.Require().NoError(os.MkdirAll(tokenDir, 0700))

	var err error
	s.store, err = emucrypto.NewStore(tokenDir, testPin, 1000)
	s.Require().NoError(err)

	ctx := context.Background()
	_, _, err = s.store.GenerateKey(ctx, slot0, "RSA", 2048, "rsa")
	s.Require().NoError(err)
	_, _, err = s.store.GenerateKey(ctx, slot0, "EC", 256, "ec")
	s.Require().NoError(err)

	s.Require().NoError(os.WriteFile(filepath.Join(root, "pin.txt"), []byte(testPin+"\n"), 0600))
	cfg := fmt.Sprintf(`name: emu
type: %s
path: token
pin: file:pin.txt
parallelism: 2
attributes: Iterations=1000
`, emucrypto.BackendType)
	cfgFile := filepath.Join(root, "token.yaml")
	s.Require().NoError(os.WriteFile(cfgFile, []byte(cfg), 0600))

	s.Out.Reset()
	s.ctl = &Cli{}
	s.ctl.WithErrWriter(&s.Out).
		WithWriter(&s.Out)

	parser, err := kong.New(s.ctl,
		kong.Name("hsm-tool"),
		kong.Description("CLI tool for cryptographic tokens: HSM, KMS or software emulator"),
		kong.Writers(&s.Out, &s.Out),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{})
	if err != nil {
		s.FailNow("unexpected error constructing Kong: %+v", err)
	}

	_, err = parser.Parse([]string{"--cfg=" + cfgFile})
	if err != nil {
		s.FailNow("unexpected error parsing: %+v", err)
	}
}

func (s *testSuite) TearDownTest() {
	s.ctl.Close()
}

// HasText is a helper method to assert that the out stream contains the supplied
// text somewhere
func (s *testSuite) HasText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.Contains(outStr, t)
	}
}

// HasNoText is a helper method to assert that the out stream does not contain the supplied
// text
func (s *testSuite) HasNoText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.NotContains(outStr, t)
	}
}
