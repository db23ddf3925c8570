// Package settings loads the tunneler CLI settings: where the tunnels file
// and SSH credentials live, logging and metrics.
package settings

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/borud/tunneler"
	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the settings file.
const (
	EnvTunnelsFile   = "TUNNELER_TUNNELS_FILE"
	EnvIdentityFiles = "TUNNELER_IDENTITY_FILES"
	EnvKnownHosts    = "TUNNELER_KNOWN_HOSTS"
)

const (
	userConfigDir   = ".config/tunneler"
	configFileName  = "config.yaml"
	tunnelsDir      = ".tunneler"
	tunnelsFileName = "tunnels.cfg"
)

// For mocking in tests
var osUserHomeDir = os.UserHomeDir

var validate = validator.New()

// Settings for the tunneler CLI.
type Settings struct {
	TunnelsFile           string        `yaml:"tunnels_file"`
	IdentityFiles         []string      `yaml:"identity_files" validate:"dive,required"`
	KnownHosts            string        `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	UseAgent              bool          `yaml:"use_agent"`
	DefaultUser           string        `yaml:"default_user"`
	DefaultPort           int           `yaml:"default_port" validate:"min=1,max=65535"`
	PerHopTimeout         time.Duration `yaml:"per_hop_timeout" validate:"min=0s"`
	KeepAlive             time.Duration `yaml:"keep_alive" validate:"min=0s"`
	MetricsAddr           string        `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	Log                   Log           `yaml:"log"`

	// identity files found in ~/.ssh rather than configured
	discovered bool
}

// Log selects the level and format of the CLI logger.
type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the settings used when no file overrides them.
func Default() Settings {
	return Settings{
		UseAgent:      true,
		DefaultPort:   22,
		PerHopTimeout: 10 * time.Second,
		KeepAlive:     30 * time.Second,
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load layers the settings file, then the environment, over the defaults.
// An explicitly named file must exist; the default file at
// ~/.config/tunneler/config.yaml is optional.
func Load(path string) (Settings, error) {
	s := Default()

	explicit := path != ""
	if !explicit {
		p, err := defaultConfigPath()
		if err != nil {
			return Settings{}, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("error parsing settings %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Settings{}, fmt.Errorf("error reading settings: %w", err)
	}

	s.applyEnv()

	if len(s.IdentityFiles) == 0 {
		s.IdentityFiles = discoverIdentityFiles()
		s.discovered = true
	}

	if err := validate.Struct(s); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return Settings{}, formatValidationErrors(validationErrors)
		}
		return Settings{}, fmt.Errorf("settings validation failed: %w", err)
	}
	return s, nil
}

func (s *Settings) applyEnv() {
	if v := os.Getenv(EnvTunnelsFile); v != "" {
		s.TunnelsFile = v
	}
	if v := os.Getenv(EnvIdentityFiles); v != "" {
		s.IdentityFiles = nil
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				s.IdentityFiles = append(s.IdentityFiles, f)
			}
		}
	}
	if v := os.Getenv(EnvKnownHosts); v != "" {
		s.KnownHosts = v
	}
}

// ResolveTunnelsFile returns the tunnels file to load. override, typically from a
// command line flag, wins over the settings. Without either the default
// ~/.tunneler/tunnels.cfg is used. A missing file is a *tunneler.NotFoundError.
func (s Settings) ResolveTunnelsFile(override string) (string, error) {
	var candidates []string
	switch {
	case override != "":
		candidates = []string{override}
	case s.TunnelsFile != "":
		candidates = []string{s.TunnelsFile}
	default:
		home, err := osUserHomeDir()
		if err != nil {
			return "", fmt.Errorf("find home directory: %w", err)
		}
		candidates = []string{filepath.Join(home, tunnelsDir, tunnelsFileName)}
	}

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", &tunneler.NotFoundError{Locations: candidates}
}

// Options turns the settings into tunneler options. Identity files found
// in ~/.ssh that cannot be used without a passphrase are skipped with a
// warning; configured identity files must load.
func (s Settings) Options(logger *slog.Logger) []tunneler.Option {
	opts := []tunneler.Option{
		tunneler.WithLogger(logger),
		tunneler.WithDefaultPort(s.DefaultPort),
		tunneler.WithPerHopTimeout(s.PerHopTimeout),
		tunneler.WithKeepAlive(s.KeepAlive),
	}
	if s.DefaultUser != "" {
		opts = append(opts, tunneler.WithDefaultUser(s.DefaultUser))
	}

	for _, path := range s.IdentityFiles {
		if !s.discovered {
			opts = append(opts, tunneler.WithKeyFile(path, nil))
			continue
		}
		signer, err := loadSigner(path)
		if err != nil {
			logger.Warn("skipping identity file", "path", path, "err", err)
			continue
		}
		opts = append(opts, tunneler.WithSigner(signer))
	}

	if s.UseAgent {
		opts = append(opts, tunneler.WithAgent())
	}

	switch {
	case s.InsecureIgnoreHostKey:
		logger.Warn("host key verification is disabled")
		opts = append(opts, tunneler.WithHostKeyCallback(ssh.InsecureIgnoreHostKey()))
	case s.KnownHosts != "":
		opts = append(opts, tunneler.WithKnownHosts(s.KnownHosts))
	}
	return opts
}

// NewLogger returns a logger writing to w at the configured level and format.
func (l Log) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if l.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("component", "tunneler")
}

func defaultConfigPath() (string, error) {
	home, err := osUserHomeDir()
	if err != nil {
		return "", fmt.Errorf("find home directory: %w", err)
	}
	return filepath.Join(home, userConfigDir, configFileName), nil
}

// discoverIdentityFiles returns the default private keys that exist in ~/.ssh.
func discoverIdentityFiles() []string {
	home, err := osUserHomeDir()
	if err != nil {
		return nil
	}

	var found []string
	for _, name := range []string{"id_rsa", "id_dsa", "id_ecdsa", "id_ed25519"} {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			found = append(found, path)
		}
	}
	return found
}

func loadSigner(path string) (ssh.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(b)
}

// formatValidationErrors formats validation errors into a user-friendly error message
func formatValidationErrors(errs validator.ValidationErrors) error {
	var msgs []string
	for _, err := range errs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed validation: %s", err.Namespace(), err.Tag()))
	}
	return fmt.Errorf("validation errors: %v", msgs)
}
