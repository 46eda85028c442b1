package sandbox

import "time"

// Config controls how boxes are driven through isolate.
type Config struct {
	IsolatePath string        `yaml:"isolatePath"`
	BoxRoot     string        `yaml:"boxRoot"`
	WallTime    time.Duration `yaml:"wallTime"`
	// Processes caps processes inside the box; 0 means unlimited.
	Processes int `yaml:"processes"`
	// Dirs are bind-mounted read-only into every box, in isolate's --dir syntax.
	Dirs []string `yaml:"dirs"`
	// Env entries are passed as --env and may be NAME=value or a bare NAME to inherit.
	Env        []string `yaml:"env"`
	EnginePath string   `yaml:"enginePath"`
}

// DefaultConfig returns the config used when fields are left empty.
func DefaultConfig() Config {
	return Config{
		IsolatePath: "isolate",
		BoxRoot:     "/var/local/lib/isolate",
		WallTime:    10 * time.Minute,
		Dirs: []string{
			"/usr/bin/",
			"/etc/",
			"/usr/lib/",
			"/usr/local/lib/",
			"/usr/local/bin/",
		},
		Env: []string{"HOME=/box", "NODE_OPTIONS=--enable-source-maps"},
	}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.IsolatePath == "" {
		c.IsolatePath = def.IsolatePath
	}
	if c.BoxRoot == "" {
		c.BoxRoot = def.BoxRoot
	}
	if c.WallTime <= 0 {
		c.WallTime = def.WallTime
	}
	if len(c.Dirs) == 0 {
		c.Dirs = def.Dirs
	}
	if len(c.Env) == 0 {
		c.Env = def.Env
	}
}
