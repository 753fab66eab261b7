// moon CLI - assemble, inspect and run moon bytecode programs
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"github.com/urfave/cli"

	"github.com/chazu/moonvm/manifest"
)

var log = commonlog.GetLogger("moon.cli")

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgRed, color.Bold).Sprint("error: ")+err.Error())
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "moon"
	app.Usage = "assemble, inspect and run moon bytecode"
	app.Version = "0.1.0"

	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "verbosity",
			Usage: "log verbosity (-1 quiet, 1 info, 2 debug)",
		},
		cli.StringFlag{
			Name:  "log",
			Usage: "write logs to `FILE` instead of stderr",
		},
		cli.BoolFlag{
			Name:  "no-color",
			Usage: "disable colored output",
		},
	}

	app.Before = func(c *cli.Context) error {
		configureLogging(c.GlobalInt("verbosity"), c.GlobalString("log"))
		if c.GlobalBool("no-color") {
			color.NoColor = true
		}
		return nil
	}

	traceFlag := cli.BoolFlag{
		Name:  "trace",
		Usage: "log every call, return and instruction",
	}
	maxDepthFlag := cli.IntFlag{
		Name:  "max-depth",
		Usage: "maximum call depth (default from moon.toml or 10000)",
	}
	dbFlag := cli.StringFlag{
		Name:  "db",
		Usage: "image store `PATH` (default from moon.toml, $MOON_STORE or ~/.moon/images.db)",
	}

	app.Commands = []cli.Command{
		{
			Name:      "run",
			Aliases:   []string{"r"},
			Usage:     "run a .masm source or an image",
			ArgsUsage: "[FILE [ARGS...]]",
			Flags:     []cli.Flag{traceFlag, maxDepthFlag},
			Action: func(c *cli.Context) error {
				return handleRunCommand(c, c.App.Writer)
			},
		},
		{
			Name:      "asm",
			Usage:     "assemble a .masm source into an image",
			ArgsUsage: "[-o OUT] FILE",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "o", Usage: "output image `PATH`"},
			},
			Action: func(c *cli.Context) error {
				return handleAsmCommand(c, c.App.Writer)
			},
		},
		{
			Name:      "disasm",
			Aliases:   []string{"dis"},
			Usage:     "print the listing of a source or image",
			ArgsUsage: "FILE",
			Action: func(c *cli.Context) error {
				return handleDisasmCommand(c, c.App.Writer)
			},
		},
		{
			Name:  "store",
			Usage: "manage the content-addressed image store",
			Subcommands: []cli.Command{
				{
					Name:      "put",
					Usage:     "store a source or image",
					ArgsUsage: "[-name NAME] FILE",
					Flags:     []cli.Flag{dbFlag, cli.StringFlag{Name: "name", Usage: "image `NAME`"}},
					Action: func(c *cli.Context) error {
						return handleStorePut(c, c.App.Writer)
					},
				},
				{
					Name:      "get",
					Usage:     "write a stored image to a file",
					ArgsUsage: "[-o OUT] REF",
					Flags:     []cli.Flag{dbFlag, cli.StringFlag{Name: "o", Usage: "output image `PATH`"}},
					Action: func(c *cli.Context) error {
						return handleStoreGet(c, c.App.Writer)
					},
				},
				{
					Name:   "list",
					Usage:  "list stored images",
					Flags:  []cli.Flag{dbFlag},
					Action: func(c *cli.Context) error { return handleStoreList(c, c.App.Writer) },
				},
				{
					Name:      "run",
					Usage:     "run a stored image",
					ArgsUsage: "REF [ARGS...]",
					Flags:     []cli.Flag{dbFlag, traceFlag, maxDepthFlag},
					Action: func(c *cli.Context) error {
						return handleStoreRun(c, c.App.Writer)
					},
				},
				{
					Name:      "rm",
					Usage:     "delete a stored image",
					ArgsUsage: "REF",
					Flags:     []cli.Flag{dbFlag},
					Action: func(c *cli.Context) error {
						return handleStoreRemove(c, c.App.Writer)
					},
				},
			},
		},
	}

	app.Action = func(c *cli.Context) error {
		return cli.ShowAppHelp(c)
	}
	return app
}

func configureLogging(verbosity int, path string) {
	if path == "" {
		commonlog.Configure(verbosity, nil)
		return
	}
	commonlog.Configure(verbosity, &path)
}

// loadManifest finds moon.toml above the working directory. A missing
// manifest is not an error.
func loadManifest() (*manifest.Manifest, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	m, err := manifest.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if m != nil {
		log.Debugf("using manifest %s", m.Dir)
	}
	return m, nil
}
