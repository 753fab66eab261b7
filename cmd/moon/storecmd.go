package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli"

	"github.com/chazu/moonvm/image"
	"github.com/chazu/moonvm/store"
)

// openStore opens the store named by -db, the manifest or the default
// location, in that order.
func openStore(c *cli.Context) (*store.Store, error) {
	path := c.String("db")
	if path == "" {
		m, err := loadManifest()
		if err != nil {
			return nil, err
		}
		path = m.StorePath()
	}
	if path == "" {
		var err error
		if path, err = store.DefaultPath(); err != nil {
			return nil, err
		}
	}
	return store.Open(path)
}

func handleStorePut(c *cli.Context, out io.Writer) error {
	path := c.Args().First()
	if path == "" {
		return cli.NewExitError("moon store put: missing FILE", 2)
	}
	p, err := loadProgram(path)
	if err != nil {
		return err
	}
	name := c.String("name")
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	s, err := openStore(c)
	if err != nil {
		return err
	}
	defer s.Close()
	hash, err := s.Put(name, p)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hash)
	return nil
}

func handleStoreGet(c *cli.Context, out io.Writer) error {
	ref := c.Args().First()
	if ref == "" {
		return cli.NewExitError("moon store get: missing REF", 2)
	}
	s, err := openStore(c)
	if err != nil {
		return err
	}
	defer s.Close()
	p, hash, err := s.Get(ref)
	if err != nil {
		return err
	}
	dest := c.String("o")
	if dest == "" {
		dest = hash[:12] + ".moon"
	}
	if err := image.WriteFile(dest, p); err != nil {
		return err
	}
	fmt.Fprintln(out, dest)
	return nil
}

func handleStoreList(c *cli.Context, out io.Writer) error {
	s, err := openStore(c)
	if err != nil {
		return err
	}
	defer s.Close()
	entries, err := s.List()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, headerStyle.Sprint("HASH")+"\t"+headerStyle.Sprint("NAME")+"\t"+headerStyle.Sprint("SIZE")+"\t"+headerStyle.Sprint("STORED"))
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.ShortHash(), e.Name, e.Size, e.Created.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func handleStoreRun(c *cli.Context, out io.Writer) error {
	ref := c.Args().First()
	if ref == "" {
		return cli.NewExitError("moon store run: missing REF", 2)
	}
	s, err := openStore(c)
	if err != nil {
		return err
	}
	p, _, err := s.Get(ref)
	s.Close()
	if err != nil {
		return err
	}
	m, err := loadManifest()
	if err != nil {
		return err
	}
	return runProgram(p, runConfig(c, m), c.Args().Tail(), out)
}

func handleStoreRemove(c *cli.Context, out io.Writer) error {
	ref := c.Args().First()
	if ref == "" {
		return cli.NewExitError("moon store rm: missing REF", 2)
	}
	s, err := openStore(c)
	if err != nil {
		return err
	}
	defer s.Close()
	hash, err := s.Resolve(ref)
	if err != nil {
		return err
	}
	if err := s.Delete(hash); err != nil {
		return err
	}
	fmt.Fprintln(out, "deleted", hash[:12])
	return nil
}
