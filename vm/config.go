package vm

// Default limits.
const (
	DefaultMaxFrameDepth    = 10000
	DefaultInitialStackSize = 1024
	DefaultMaxStackSize     = 1 << 20
)

// Config holds interpreter limits. Zero fields take their defaults.
type Config struct {
	// MaxFrameDepth bounds the number of simultaneously active frames,
	// counting native frames. Tail calls do not add to the depth.
	MaxFrameDepth int

	// InitialStackSize is the starting capacity of the value stack.
	InitialStackSize int

	// MaxStackSize bounds the number of value slots.
	MaxStackSize int

	// Trace logs every frame push and pop and every executed instruction
	// at debug level.
	Trace bool
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxFrameDepth:    DefaultMaxFrameDepth,
		InitialStackSize: DefaultInitialStackSize,
		MaxStackSize:     DefaultMaxStackSize,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxFrameDepth <= 0 {
		c.MaxFrameDepth = DefaultMaxFrameDepth
	}
	if c.InitialStackSize <= 0 {
		c.InitialStackSize = DefaultInitialStackSize
	}
	if c.MaxStackSize <= 0 {
		c.MaxStackSize = DefaultMaxStackSize
	}
	if c.InitialStackSize > c.MaxStackSize {
		c.InitialStackSize = c.MaxStackSize
	}
	return c
}
