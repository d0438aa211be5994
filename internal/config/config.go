// Package config implements the cache server's versioned TOML configuration
// schema: listen address, access token, storage backend selection,
// compression defaults, chunking parameters, and signing key.
package config

import (
	"encoding/base64"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/quantarax/nixcache/internal/chunker"
	"github.com/quantarax/nixcache/internal/compression"
	"github.com/quantarax/nixcache/internal/signing"
)

const supportedVersion = "v1"

// StorageConfig is the tagged union between local filesystem and
// S3-compatible storage.
type StorageConfig struct {
	Type  string              `toml:"type"`
	Local *LocalStorageConfig `toml:"local,omitempty"`
	S3    *S3StorageConfig    `toml:"s3,omitempty"`
}

// LocalStorageConfig configures the local filesystem backend.
type LocalStorageConfig struct {
	Root string `toml:"root"`
}

// S3StorageConfig configures the S3-compatible backend.
type S3StorageConfig struct {
	Region    string `toml:"region"`
	Bucket    string `toml:"bucket"`
	Endpoint  string `toml:"endpoint,omitempty"`
	AccessKey string `toml:"access_key,omitempty"`
	SecretKey string `toml:"secret_key,omitempty"`
	UseSSL    bool   `toml:"use_ssl"`
}

// CompressionConfig mirrors compression.Config for TOML decoding.
type CompressionConfig struct {
	Type  string `toml:"type"`
	Level int    `toml:"level,omitempty"`
}

// ChunkingConfig configures FastCDC parameters and the unchunked/chunked
// upload dispatch threshold.
type ChunkingConfig struct {
	NarSizeThreshold int `toml:"nar-size-threshold"`
	MinSize          int `toml:"min-size"`
	AvgSize          int `toml:"avg-size"`
	MaxSize          int `toml:"max-size"`
}

// Config is the top-level configuration document.
type Config struct {
	Version                string            `toml:"version"`
	Listen                 string            `toml:"listen"`
	StoreDir               string            `toml:"store_dir,omitempty"`
	TokenHS256SecretBase64 string            `toml:"token-hs256-secret-base64,omitempty"`
	Storage                StorageConfig     `toml:"storage"`
	Compression            CompressionConfig `toml:"compression"`
	Chunking               ChunkingConfig    `toml:"chunking"`
	SigningKey             string            `toml:"signing_key"`
}

// Default returns the server's default configuration. Storage and
// SigningKey are left unset since they have no sane default (a cache with
// nowhere to store data, or an unsigned cache, is not a usable default).
func Default() Config {
	return Config{
		Version:  supportedVersion,
		Listen:   "127.0.0.1:8080",
		StoreDir: "/nix/store",
		Compression: CompressionConfig{
			Type: string(compression.Zstd),
		},
		Chunking: ChunkingConfig{
			NarSizeThreshold: 65536,
			MinSize:          16384,
			AvgSize:          65536,
			MaxSize:          262144,
		},
	}
}

// Load decodes a Config from a TOML file at path over the values of Default:
// keys the file omits keep their default, keys it sets (zero included)
// replace it.
func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	_ = meta // unused keys are tolerated; strict rejection is not required here

	if cfg.Version != supportedVersion {
		return nil, fmt.Errorf("config: unsupported version %q, want %q", cfg.Version, supportedVersion)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) validate() error {
	switch c.Storage.Type {
	case "local":
		if c.Storage.Local == nil || c.Storage.Local.Root == "" {
			return fmt.Errorf("config: storage.local.root is required when storage.type = \"local\"")
		}
	case "s3":
		if c.Storage.S3 == nil || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("config: storage.s3.bucket is required when storage.type = \"s3\"")
		}
	default:
		return fmt.Errorf("config: storage.type must be \"local\" or \"s3\", got %q", c.Storage.Type)
	}
	if c.SigningKey == "" {
		return fmt.Errorf("config: signing_key is required")
	}
	return nil
}

// TokenSecret decodes the base64 HS256 secret, or returns (nil, nil) if the
// server is configured to run without an access gate.
func (c Config) TokenSecret() ([]byte, error) {
	if c.TokenHS256SecretBase64 == "" {
		return nil, nil
	}
	secret, err := base64.StdEncoding.DecodeString(c.TokenHS256SecretBase64)
	if err != nil {
		return nil, fmt.Errorf("config: decode token-hs256-secret-base64: %w", err)
	}
	return secret, nil
}

// Keypair parses the configured signing key in its canonical textual form.
func (c Config) Keypair() (*signing.Keypair, error) {
	return signing.ParseKeypair(c.SigningKey)
}

// CompressorConfig resolves the TOML compression block into the runtime type.
func (c Config) CompressorConfig() compression.Config {
	return compression.Config{Type: compression.Type(c.Compression.Type), Level: c.Compression.Level}
}

// ChunkerOptions resolves the TOML chunking block into the runtime type.
func (c Config) ChunkerOptions() chunker.Options {
	return chunker.Options{MinSize: c.Chunking.MinSize, AvgSize: c.Chunking.AvgSize, MaxSize: c.Chunking.MaxSize}
}
