// Package manifest handles moon.toml project configuration.
package manifest

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"

	"github.com/chazu/moonvm/vm"
)

// FileName is the manifest file looked up in project directories.
const FileName = "moon.toml"

//go:embed schema.cue
var schemaSource string

// Manifest represents a moon.toml project configuration.
type Manifest struct {
	Project Project       `toml:"project"`
	Run     RunConfig     `toml:"run"`
	VM      VMSettings    `toml:"vm"`
	Store   StoreSettings `toml:"store"`

	// Dir is the directory containing the moon.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// RunConfig names the program moon run starts when given no file.
type RunConfig struct {
	Entry string `toml:"entry"`
	Image string `toml:"image"`
}

// VMSettings overrides interpreter limits. Zero fields keep the defaults.
type VMSettings struct {
	MaxFrameDepth    int  `toml:"max-frame-depth"`
	InitialStackSize int  `toml:"initial-stack-size"`
	MaxStackSize     int  `toml:"max-stack-size"`
	Trace            bool `toml:"trace"`
}

// StoreSettings configures the image store.
type StoreSettings struct {
	Path string `toml:"path"`
}

// Load parses and validates the moon.toml file in dir.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes a manifest document and checks it against the schema.
func Parse(data []byte) (*Manifest, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if err := validate(raw); err != nil {
		return nil, err
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if m.VM.InitialStackSize > 0 && m.VM.MaxStackSize > 0 && m.VM.InitialStackSize > m.VM.MaxStackSize {
		return nil, fmt.Errorf("invalid manifest: vm.initial-stack-size %d exceeds vm.max-stack-size %d",
			m.VM.InitialStackSize, m.VM.MaxStackSize)
	}
	return &m, nil
}

func validate(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Manifest"))
	doc := ctx.Encode(raw)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	return nil
}

// FindAndLoad walks up from startDir to find a moon.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// VMConfig returns interpreter settings with the manifest's overrides.
func (m *Manifest) VMConfig() vm.Config {
	cfg := vm.DefaultConfig()
	if m == nil {
		return cfg
	}
	if m.VM.MaxFrameDepth > 0 {
		cfg.MaxFrameDepth = m.VM.MaxFrameDepth
	}
	if m.VM.InitialStackSize > 0 {
		cfg.InitialStackSize = m.VM.InitialStackSize
	}
	if m.VM.MaxStackSize > 0 {
		cfg.MaxStackSize = m.VM.MaxStackSize
	}
	cfg.Trace = m.VM.Trace
	return cfg
}

// EntryPath returns the absolute path of the entry source, or "".
func (m *Manifest) EntryPath() string {
	if m == nil {
		return ""
	}
	return m.resolve(m.Run.Entry)
}

// ImagePath returns the absolute path of the image output, or "".
func (m *Manifest) ImagePath() string {
	if m == nil {
		return ""
	}
	return m.resolve(m.Run.Image)
}

// StorePath returns the absolute path of the image store, or "".
func (m *Manifest) StorePath() string {
	if m == nil {
		return ""
	}
	return m.resolve(m.Store.Path)
}

func (m *Manifest) resolve(p string) string {
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}
