package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/effective-security/x/ctl"
	"github.com/effective-security/xtoken/cmd/hsm-tool/cli"
)

// version is set at build time
var version = "v0.0.0-dev"

type app struct {
	cli.Cli

	List     cli.ListCmd     `cmd:"" help:"list keys and certificates"`
	Sign     cli.SignCmd     `cmd:"" help:"sign a digest or a file"`
	Pubkey   cli.PubKeyCmd   `cmd:"" help:"print public key"`
	JWT      cli.JWTCmd      `cmd:"" name:"jwt" help:"sign JWT"`
	Emulator cli.EmulatorCmd `cmd:"" help:"software token commands"`
}

func main() {
	realMain(os.Args, os.Stdout, os.Stderr, os.Exit)
}

func realMain(args []string, out io.Writer, errout io.Writer, exit func(int)) {
	cl := app{
		Cli: cli.Cli{},
	}
	cl.Cli.WithErrWriter(errout).
		WithWriter(out)

	parser, err := kong.New(&cl,
		kong.Name("hsm-tool"),
		kong.Description("CLI tool for cryptographic tokens: HSM, KMS or software emulator"),
		kong.Writers(out, errout),
		kong.Exit(exit),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		})
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args[1:])
	parser.FatalIfErrorf(err)

	if ctx != nil {
		if cl.Debug {
			// in DEBUG more print command line
			_, _ = fmt.Fprintf(ctx.Stdout, "#\n# %s\n#\n", strings.Join(args, " "))
		}
		err = ctx.Run(&cl.Cli)
		cl.Cli.Close()
		ctx.FatalIfErrorf(err)
	}
}
