package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/chazu/moonvm/asm"
	"github.com/chazu/moonvm/image"
	"github.com/chazu/moonvm/lib/base"
	"github.com/chazu/moonvm/manifest"
	"github.com/chazu/moonvm/vm"
)

// sourceExt marks assembler sources; anything else is read as an image.
const sourceExt = ".masm"

// loadProgram assembles or decodes path.
func loadProgram(path string) (*vm.FuncProto, error) {
	if strings.EqualFold(filepath.Ext(path), sourceExt) {
		return asm.AssembleFile(path)
	}
	return image.ReadFile(path)
}

func handleRunCommand(c *cli.Context, out io.Writer) error {
	m, err := loadManifest()
	if err != nil {
		return err
	}
	path := c.Args().First()
	args := c.Args().Tail()
	if path == "" {
		path = m.EntryPath()
		if path == "" {
			path = m.ImagePath()
		}
		if path == "" {
			return cli.NewExitError("moon run: no FILE given and no [run] entry in "+manifest.FileName, 2)
		}
	}
	p, err := loadProgram(path)
	if err != nil {
		return err
	}
	return runProgram(p, runConfig(c, m), args, out)
}

// runConfig layers command flags over the manifest's vm settings.
func runConfig(c *cli.Context, m *manifest.Manifest) vm.Config {
	cfg := m.VMConfig()
	if c.IsSet("max-depth") {
		cfg.MaxFrameDepth = c.Int("max-depth")
	}
	if c.Bool("trace") {
		cfg.Trace = true
	}
	if cfg.Trace {
		// Frame and instruction logs are emitted at debug level.
		configureLogging(2, c.GlobalString("log"))
	}
	return cfg
}

// runProgram executes p with the base library, passing args as strings,
// and prints any results.
func runProgram(p *vm.FuncProto, cfg vm.Config, args []string, out io.Writer) error {
	interp := vm.New(cfg)
	base.Open(interp, out)

	vals := make([]vm.Value, len(args))
	for i, a := range args {
		vals[i] = vm.String(a)
	}
	log.Infof("running %s on interpreter %s", p.DisplayName(), interp.ID())
	res, err := interp.Run(p, vals...)
	if err != nil {
		var rerr *vm.RuntimeError
		if errors.As(err, &rerr) {
			return runtimeFailure(rerr)
		}
		return err
	}
	if len(res) > 0 {
		parts := make([]string, len(res))
		for i, v := range res {
			parts[i] = v.String()
		}
		fmt.Fprintln(out, strings.Join(parts, "\t"))
	}
	return nil
}

// runtimeFailure renders a runtime error with its traceback as the
// command's exit error.
func runtimeFailure(rerr *vm.RuntimeError) error {
	log.Errorf("runtime error (%s): %s", rerr.Kind, rerr.Message)
	lines := strings.Split(rerr.FormatTraceback(), "\n")
	lines[0] = color.New(color.FgRed, color.Bold).Sprint(lines[0])
	return cli.NewExitError(strings.Join(lines, "\n"), 1)
}

func handleAsmCommand(c *cli.Context, out io.Writer) error {
	path := c.Args().First()
	if path == "" {
		return cli.NewExitError("moon asm: missing FILE", 2)
	}
	p, err := asm.AssembleFile(path)
	if err != nil {
		return err
	}
	dest := c.String("o")
	if dest == "" {
		dest = strings.TrimSuffix(path, filepath.Ext(path)) + ".moon"
	}
	if err := image.WriteFile(dest, p); err != nil {
		return err
	}
	hash, err := image.Hash(p)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %x\n", dest, hash[:6])
	return nil
}

func handleDisasmCommand(c *cli.Context, out io.Writer) error {
	path := c.Args().First()
	if path == "" {
		return cli.NewExitError("moon disasm: missing FILE", 2)
	}
	p, err := loadProgram(path)
	if err != nil {
		return err
	}
	printListing(out, p)
	return nil
}
