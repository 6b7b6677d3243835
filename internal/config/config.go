// Package config loads settings for the key tools: built-in defaults, then
// an optional YAML file, then NB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"neighborly/go-backend/internal/messagecipher"
	"neighborly/go-backend/internal/vault"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "NB_"

type Config struct {
	Vault     VaultConfig
	Directory DirectoryConfig
	Server    ServerConfig
	Log       LogConfig
	Cipher    CipherConfig
}

type VaultConfig struct {
	Backend string
	Path    string
	// Passphrase is only ever taken from the environment.
	Passphrase string
}

type DirectoryConfig struct {
	// URL of a remote directory; empty keeps an in-process directory.
	URL            string
	Timeout        time.Duration
	AttemptTimeout time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
}

type ServerConfig struct {
	Addr         string
	Backend      string
	CouchURL     string
	CouchDB      string
	PublishRPS   float64
	PublishBurst int
	Metrics      bool
}

type LogConfig struct {
	Level  string
	Format string
}

type CipherConfig struct {
	Version uint32
}

// fileConfig mirrors Config for YAML; nil and zero values keep defaults.
type fileConfig struct {
	Vault struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"vault"`
	Directory struct {
		URL            string        `yaml:"url"`
		Timeout        time.Duration `yaml:"timeout"`
		AttemptTimeout time.Duration `yaml:"attemptTimeout"`
		RetryInitial   time.Duration `yaml:"retryInitial"`
		RetryMax       time.Duration `yaml:"retryMax"`
	} `yaml:"directory"`
	Server struct {
		Addr         string  `yaml:"addr"`
		Backend      string  `yaml:"backend"`
		CouchURL     string  `yaml:"couchUrl"`
		CouchDB      string  `yaml:"couchDb"`
		PublishRPS   float64 `yaml:"publishRps"`
		PublishBurst int     `yaml:"publishBurst"`
		Metrics      *bool   `yaml:"metrics"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Cipher struct {
		Version uint32 `yaml:"version"`
	} `yaml:"cipher"`
}

func Default() Config {
	return Config{
		Vault: VaultConfig{
			Backend: vault.BackendFile,
			Path:    defaultVaultPath(),
		},
		Directory: DirectoryConfig{
			Timeout:        10 * time.Second,
			AttemptTimeout: 10 * time.Second,
			RetryInitial:   time.Second,
			RetryMax:       5 * time.Minute,
		},
		Server: ServerConfig{
			Addr:         "127.0.0.1:8790",
			Backend:      "memory",
			CouchDB:      "key_directory",
			PublishRPS:   0.2,
			PublishBurst: 5,
			Metrics:      true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Cipher: CipherConfig{
			Version: messagecipher.CurrentVersion,
		},
	}
}

// Load reads configPath when given, else the first default location that
// exists. An explicitly named file that is missing or invalid is an error;
// absent default files are not.
func Load(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{configPath}
	explicit := configPath != ""
	if !explicit {
		candidates = []string{"configs/keys.yaml", "keys.yaml"}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if !explicit && errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		merge(&cfg, parsed)
		break
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func merge(dst *Config, src fileConfig) {
	if src.Vault.Backend != "" {
		dst.Vault.Backend = src.Vault.Backend
	}
	if src.Vault.Path != "" {
		dst.Vault.Path = src.Vault.Path
	}
	if src.Directory.URL != "" {
		dst.Directory.URL = src.Directory.URL
	}
	if src.Directory.Timeout != 0 {
		dst.Directory.Timeout = src.Directory.Timeout
	}
	if src.Directory.AttemptTimeout != 0 {
		dst.Directory.AttemptTimeout = src.Directory.AttemptTimeout
	}
	if src.Directory.RetryInitial != 0 {
		dst.Directory.RetryInitial = src.Directory.RetryInitial
	}
	if src.Directory.RetryMax != 0 {
		dst.Directory.RetryMax = src.Directory.RetryMax
	}
	if src.Server.Addr != "" {
		dst.Server.Addr = src.Server.Addr
	}
	if src.Server.Backend != "" {
		dst.Server.Backend = src.Server.Backend
	}
	if src.Server.CouchURL != "" {
		dst.Server.CouchURL = src.Server.CouchURL
	}
	if src.Server.CouchDB != "" {
		dst.Server.CouchDB = src.Server.CouchDB
	}
	if src.Server.PublishRPS != 0 {
		dst.Server.PublishRPS = src.Server.PublishRPS
	}
	if src.Server.PublishBurst != 0 {
		dst.Server.PublishBurst = src.Server.PublishBurst
	}
	if src.Server.Metrics != nil {
		dst.Server.Metrics = *src.Server.Metrics
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
	if src.Cipher.Version != 0 {
		dst.Cipher.Version = src.Cipher.Version
	}
}

// ApplyEnvOverrides applies NB_* variables. Malformed numbers are errors
// rather than silently ignored.
func ApplyEnvOverrides(cfg *Config) error {
	setString(&cfg.Vault.Backend, "VAULT_BACKEND")
	setString(&cfg.Vault.Path, "VAULT_PATH")
	setString(&cfg.Vault.Passphrase, "VAULT_PASSPHRASE")
	setString(&cfg.Directory.URL, "DIRECTORY_URL")
	setString(&cfg.Server.Addr, "SERVER_ADDR")
	setString(&cfg.Server.Backend, "SERVER_BACKEND")
	setString(&cfg.Server.CouchURL, "COUCHDB_URL")
	setString(&cfg.Server.CouchDB, "COUCHDB_NAME")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")

	if err := setDuration(&cfg.Directory.Timeout, "DIRECTORY_TIMEOUT"); err != nil {
		return err
	}
	if raw, ok := lookup("PUBLISH_RPS"); ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid %sPUBLISH_RPS: %w", envPrefix, err)
		}
		cfg.Server.PublishRPS = v
	}
	if raw, ok := lookup("PUBLISH_BURST"); ok {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid %sPUBLISH_BURST: %w", envPrefix, err)
		}
		cfg.Server.PublishBurst = v
	}
	if raw, ok := lookup("CIPHER_VERSION"); ok {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid %sCIPHER_VERSION: %w", envPrefix, err)
		}
		cfg.Cipher.Version = uint32(v)
	}
	return nil
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Vault.Backend) {
	case vault.BackendMemory:
	case vault.BackendFile, vault.BackendSQLite:
		if strings.TrimSpace(c.Vault.Path) == "" {
			return fmt.Errorf("config: vault path is required for the %s backend", c.Vault.Backend)
		}
	default:
		return fmt.Errorf("config: unknown vault backend %q", c.Vault.Backend)
	}
	switch strings.ToLower(c.Server.Backend) {
	case "memory":
	case "couchdb":
		if c.Server.CouchURL == "" {
			return errors.New("config: couchdb backend requires a couch url")
		}
	default:
		return fmt.Errorf("config: unknown directory backend %q", c.Server.Backend)
	}
	supported := false
	for _, v := range messagecipher.SupportedVersions() {
		if v == c.Cipher.Version {
			supported = true
		}
	}
	if !supported {
		return fmt.Errorf("config: unsupported cipher version %d", c.Cipher.Version)
	}
	if c.Directory.RetryInitial <= 0 || c.Directory.RetryMax < c.Directory.RetryInitial {
		return errors.New("config: directory retry intervals are inconsistent")
	}
	return nil
}

func defaultVaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return filepath.Join(".", "neighborly", "keys.vault")
	}
	return filepath.Join(dir, "neighborly", "keys.vault")
}

func lookup(name string) (string, bool) {
	raw, ok := os.LookupEnv(envPrefix + name)
	raw = strings.TrimSpace(raw)
	return raw, ok && raw != ""
}

func setString(dst *string, name string) {
	if v, ok := lookup(name); ok {
		*dst = v
	}
}

func setDuration(dst *time.Duration, name string) error {
	raw, ok := lookup(name)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
	*dst = d
	return nil
}
