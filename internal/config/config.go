// Package config loads the YAML description of readers, key stores and keys
// used by the desfire command.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gregLibert/desfire/pkg/desfire"
)

type Config struct {
	Reader string        `yaml:"reader"`
	Log    LogConfig     `yaml:"log"`
	SAM    *SAMConfig    `yaml:"sam,omitempty"`
	PKCS11 *PKCS11Config `yaml:"pkcs11,omitempty"`
	Keys   []KeyConfig   `yaml:"keys"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SAMConfig struct {
	Reader  string `yaml:"reader"`
	WarmUp  bool   `yaml:"warm_up"`
	Retries *int   `yaml:"retries,omitempty"`
}

type PKCS11Config struct {
	Module string `yaml:"module"`
}

type KeyConfig struct {
	Name      string `yaml:"name"`
	AID       string `yaml:"aid"`
	KeyNo     int    `yaml:"key_no"`
	Type      string `yaml:"type"`
	Handshake string `yaml:"handshake,omitempty"`
	Version   int    `yaml:"version,omitempty"`

	// memory keys
	Hex     string `yaml:"hex,omitempty"`
	HexFile string `yaml:"hex_file,omitempty"`

	// storage is memory (default), sam or pkcs11
	Storage        string `yaml:"storage,omitempty"`
	SAMKey         int    `yaml:"sam_key,omitempty"`
	DumpSessionKey bool   `yaml:"dump_session_key,omitempty"`
	Slot           uint   `yaml:"slot,omitempty"`
	ObjectID       string `yaml:"object_id,omitempty"`

	Diversification *DiversificationConfig `yaml:"diversification,omitempty"`
}

type DiversificationConfig struct {
	Method           string `yaml:"method"`
	SystemIdentifier string `yaml:"system_identifier,omitempty"`
	ReverseAID       bool   `yaml:"reverse_aid,omitempty"`
}

// Load reads, resolves and validates a configuration file.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level: unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format: unknown format %q", c.Log.Format)
	}
	if c.SAM != nil && c.SAM.Retries != nil && *c.SAM.Retries < 0 {
		return fmt.Errorf("config.sam.retries must be >= 0")
	}
	if c.PKCS11 != nil {
		if strings.TrimSpace(c.PKCS11.Module) == "" {
			return fmt.Errorf("config.pkcs11.module is required")
		}
		if err := validateReadableFile(c.PKCS11.Module, "config.pkcs11.module"); err != nil {
			return err
		}
	}

	names := map[string]bool{}
	for i, k := range c.Keys {
		field := fmt.Sprintf("config.keys[%d]", i)
		if strings.TrimSpace(k.Name) == "" {
			return fmt.Errorf("%s.name is required", field)
		}
		if names[k.Name] {
			return fmt.Errorf("%s.name: duplicate key %q", field, k.Name)
		}
		names[k.Name] = true
		if _, err := c.Key(k.Name); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		switch k.Storage {
		case "sam":
			if c.SAM == nil {
				return fmt.Errorf("%s: key is stored in a SAM but config.sam is missing", field)
			}
		case "pkcs11":
			if c.PKCS11 == nil {
				return fmt.Errorf("%s: key is stored in PKCS#11 but config.pkcs11 is missing", field)
			}
		}
	}
	return nil
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	if c.PKCS11 != nil {
		c.PKCS11.Module = resolvePath(configDir, c.PKCS11.Module)
	}
	for i := range c.Keys {
		c.Keys[i].HexFile = resolvePath(configDir, c.Keys[i].HexFile)
	}
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}

// Lookup returns the configuration of the named key.
func (c *Config) Lookup(name string) (KeyConfig, bool) {
	for _, k := range c.Keys {
		if k.Name == name {
			return k, true
		}
	}
	return KeyConfig{}, false
}

// Key builds the desfire.Key of the named entry.
func (c *Config) Key(name string) (desfire.Key, error) {
	k, ok := c.Lookup(name)
	if !ok {
		return desfire.Key{}, fmt.Errorf("no key named %q", name)
	}
	return k.Key()
}

// Key builds the desfire.Key described by the entry.
func (k KeyConfig) Key() (desfire.Key, error) {
	t, err := desfire.ParseKeyType(k.Type)
	if err != nil {
		return desfire.Key{}, fmt.Errorf("type: %w", err)
	}
	if k.Version < 0 || k.Version > 0xFF {
		return desfire.Key{}, fmt.Errorf("version %d out of range", k.Version)
	}
	if _, _, err := k.Target(); err != nil {
		return desfire.Key{}, err
	}
	if _, err := k.HandshakeValue(); err != nil {
		return desfire.Key{}, err
	}
	key := desfire.Key{Type: t, Version: byte(k.Version)}

	switch k.Storage {
	case "", "memory":
		src := k.Hex
		if k.HexFile != "" {
			if k.Hex != "" {
				return desfire.Key{}, fmt.Errorf("hex and hex_file are exclusive")
			}
			raw, err := os.ReadFile(k.HexFile)
			if err != nil {
				return desfire.Key{}, fmt.Errorf("hex_file: %w", err)
			}
			src = string(raw)
		}
		if strings.TrimSpace(src) == "" {
			return desfire.Key{}, fmt.Errorf("memory key needs hex or hex_file")
		}
		parsed, err := desfire.ParseKey(t, src)
		if err != nil {
			return desfire.Key{}, err
		}
		key.Data = parsed.Data
	case "sam":
		if k.SAMKey < 0 || k.SAMKey > 0xFF {
			return desfire.Key{}, fmt.Errorf("sam_key %d out of range", k.SAMKey)
		}
		key.Storage = desfire.SAMStorage{KeyIndex: byte(k.SAMKey), DumpSessionKey: k.DumpSessionKey}
	case "pkcs11":
		id, err := hex.DecodeString(k.ObjectID)
		if err != nil {
			return desfire.Key{}, fmt.Errorf("object_id: %w", err)
		}
		key.Storage = desfire.PKCSStorage{SlotID: k.Slot, ObjectID: id}
	default:
		return desfire.Key{}, fmt.Errorf("unknown storage %q", k.Storage)
	}

	if k.Diversification != nil {
		d, err := k.Diversification.Diversifier()
		if err != nil {
			return desfire.Key{}, fmt.Errorf("diversification: %w", err)
		}
		key.Diversify = d
	}
	return key, nil
}

// Target returns the application and key number the entry applies to.
func (k KeyConfig) Target() (desfire.AID, byte, error) {
	aid, err := desfire.ParseAID(k.AID)
	if err != nil {
		return 0, 0, fmt.Errorf("aid: %w", err)
	}
	if k.KeyNo < 0 || k.KeyNo > 13 {
		return 0, 0, fmt.Errorf("key_no %d out of range", k.KeyNo)
	}
	return aid, byte(k.KeyNo), nil
}

// HandshakeValue parses the handshake, auto when empty.
func (k KeyConfig) HandshakeValue() (desfire.Handshake, error) {
	if k.Handshake == "" {
		return desfire.HandshakeAuto, nil
	}
	h, err := desfire.ParseHandshake(k.Handshake)
	if err != nil {
		return 0, fmt.Errorf("handshake: %w", err)
	}
	return h, nil
}

// Diversifier builds the configured diversification method.
func (d DiversificationConfig) Diversifier() (desfire.Diversifier, error) {
	opts := desfire.DiversificationOptions{ReverseAID: d.ReverseAID}
	if d.SystemIdentifier != "" {
		sysID, err := hex.DecodeString(d.SystemIdentifier)
		if err != nil {
			return nil, fmt.Errorf("system_identifier: %w", err)
		}
		opts.SystemIdentifier = sysID
	}
	switch d.Method {
	case "nxp-av2", "an10922":
		return desfire.NXPAV2{DiversificationOptions: opts}, nil
	case "nxp-av1":
		return desfire.NXPAV1{DiversificationOptions: opts}, nil
	case "sagem":
		return desfire.Sagem{DiversificationOptions: opts}, nil
	case "omnitech":
		return desfire.Omnitech{DiversificationOptions: opts}, nil
	}
	return nil, fmt.Errorf("unknown method %q", d.Method)
}
