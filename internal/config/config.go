package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	Dir        = ".redock"
	ConfigFile = "config.yaml"
	StateFile  = "state.json"
	KeyDir     = "ssh"
)

const (
	DefaultPristineImage = "ubuntu:24.04"
	DefaultBaseImage     = "redock:base"
	DefaultBindAddress   = "127.0.0.1"
	DefaultUser          = "root"
	DefaultSSHConfig     = "~/.ssh/config"
)

type Config struct {
	Version   string `yaml:"version"`
	Engine    Engine `yaml:"engine"`
	Image     Image  `yaml:"image"`
	SSH       SSH    `yaml:"ssh"`
	Bootstrap Retry  `yaml:"bootstrap"`
	Readiness Retry  `yaml:"readiness"`
}

type Engine struct {
	// Host is a DOCKER_HOST style address. Empty means detect.
	Host           string   `yaml:"host,omitempty"`
	InspectRetries int      `yaml:"inspect_retries"`
	StopTimeout    Duration `yaml:"stop_timeout"`
}

type Image struct {
	// Pristine is the public image the base image is bootstrapped from.
	Pristine string `yaml:"pristine"`
	Base     string `yaml:"base"`
	// Packages are installed next to openssh-server during bootstrap.
	Packages []string `yaml:"packages,omitempty"`
}

type SSH struct {
	ConfigFile  string `yaml:"config_file"`
	KeyDir      string `yaml:"key_dir,omitempty"`
	BindAddress string `yaml:"bind_address"`
	User        string `yaml:"user"`
}

// Retry bounds an exponential backoff loop.
type Retry struct {
	Attempts     int      `yaml:"attempts"`
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
}

// Delay returns the wait before the given zero-based attempt.
func (r Retry) Delay(attempt int) time.Duration {
	d := r.InitialDelay.Std()
	for i := 0; i < attempt; i++ {
		d *= 2
		if max := r.MaxDelay.Std(); max > 0 && d >= max {
			return max
		}
	}
	return d
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Version: "1",
		Engine: Engine{
			InspectRetries: 3,
			StopTimeout:    Duration(10 * time.Second),
		},
		Image: Image{
			Pristine: DefaultPristineImage,
			Base:     DefaultBaseImage,
		},
		SSH: SSH{
			ConfigFile:  DefaultSSHConfig,
			BindAddress: DefaultBindAddress,
			User:        DefaultUser,
		},
		Bootstrap: Retry{
			Attempts:     60,
			InitialDelay: Duration(500 * time.Millisecond),
			MaxDelay:     Duration(5 * time.Second),
		},
		Readiness: Retry{
			Attempts:     20,
			InitialDelay: Duration(250 * time.Millisecond),
			MaxDelay:     Duration(2 * time.Second),
		},
	}
}

// Path returns the config file path under home.
func Path(home string) string {
	return filepath.Join(home, Dir, ConfigFile)
}

// Load reads ~/.redock/config.yaml relative to home. A missing file yields
// the defaults.
func Load(home string) (*Config, error) {
	return LoadFile(Path(home))
}

// LoadFile reads config from path. Fields the file leaves out keep their
// default values. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes config to ~/.redock/config.yaml relative to home.
func Save(home string, cfg *Config) error {
	dir := filepath.Join(home, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(Path(home), data, 0o644)
}

// ConfigPath returns the path to the config directory.
func ConfigPath(home string) string {
	return filepath.Join(home, Dir)
}

// Exists returns true if ~/.redock/config.yaml exists.
func Exists(home string) bool {
	_, err := os.Stat(Path(home))
	return err == nil
}

// Validate checks values that would make the controller misbehave.
func (c *Config) Validate() error {
	if c.Image.Pristine == "" {
		return fmt.Errorf("image.pristine must be set")
	}
	if c.Image.Base == "" {
		return fmt.Errorf("image.base must be set")
	}
	if c.SSH.User == "" {
		return fmt.Errorf("ssh.user must be set")
	}
	if c.Engine.InspectRetries < 0 {
		return fmt.Errorf("engine.inspect_retries must not be negative")
	}
	for name, r := range map[string]Retry{"bootstrap": c.Bootstrap, "readiness": c.Readiness} {
		if r.Attempts < 1 {
			return fmt.Errorf("%s.attempts must be at least 1", name)
		}
		if r.InitialDelay < 0 || r.MaxDelay < 0 {
			return fmt.Errorf("%s delays must not be negative", name)
		}
	}
	return nil
}

// SSHConfigPath returns the ssh client config file with ~ expanded.
func (c *Config) SSHConfigPath(home string) string {
	return expandHome(c.SSH.ConfigFile, home)
}

// KeyDirPath returns the key pair directory, ~/.redock/ssh by default.
func (c *Config) KeyDirPath(home string) string {
	if c.SSH.KeyDir == "" {
		return filepath.Join(home, Dir, KeyDir)
	}
	return expandHome(c.SSH.KeyDir, home)
}

// StatePath returns the registry file under home.
func StatePath(home string) string {
	return filepath.Join(home, Dir, StateFile)
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
