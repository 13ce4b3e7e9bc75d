// Package config loads libris settings from defaults, an optional YAML
// file, a .env file and LIBRIS_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting
type Config struct {
	LibraryRoot    string        `yaml:"libraryRoot" env:"LIBRIS_LIBRARY_ROOT"`
	DataDir        string        `yaml:"dataDir" env:"LIBRIS_DATA_DIR"`
	Host           string        `yaml:"host" env:"LIBRIS_HOST"`
	Port           int           `yaml:"port" env:"LIBRIS_PORT"`
	PublicBaseURL  string        `yaml:"publicBaseURL" env:"LIBRIS_PUBLIC_BASE_URL"` // Empty means http://host:port
	AllowedOrigins []string      `yaml:"allowedOrigins" env:"LIBRIS_ALLOWED_ORIGINS"`
	LogLevel       string        `yaml:"logLevel" env:"LIBRIS_LOG_LEVEL"`
	LogFormat      string        `yaml:"logFormat" env:"LIBRIS_LOG_FORMAT"` // console or json
	ListLimit      int           `yaml:"listLimit" env:"LIBRIS_LIST_LIMIT"`
	SearchLimit    int           `yaml:"searchLimit" env:"LIBRIS_SEARCH_LIMIT"`
	MetadataFile   string        `yaml:"metadataFile" env:"LIBRIS_METADATA_FILE"`
	CoverFiles     []string      `yaml:"coverFiles" env:"LIBRIS_COVER_FILES"`
	SourceExt      string        `yaml:"sourceExt" env:"LIBRIS_SOURCE_EXT"`
	TargetExt      string        `yaml:"targetExt" env:"LIBRIS_TARGET_EXT"`
	ConverterPath  string        `yaml:"converterPath" env:"LIBRIS_CONVERTER_PATH"`
	ConvertTimeout time.Duration `yaml:"convertTimeout" env:"LIBRIS_CONVERT_TIMEOUT"`
	CoverMaxBytes  int64         `yaml:"coverMaxBytes" env:"LIBRIS_COVER_MAX_BYTES"`
}

// Default returns the built-in settings
func Default() *Config {
	return &Config{
		DataDir:        "./data",
		Host:           "localhost",
		Port:           5000,
		AllowedOrigins: []string{"http://localhost:5173"},
		LogLevel:       "info",
		LogFormat:      "console",
		ListLimit:      10,
		SearchLimit:    50,
		MetadataFile:   "metadata.opf",
		CoverFiles:     []string{"cover.jpg"},
		SourceExt:      ".mobi",
		TargetExt:      ".epub",
		ConverterPath:  "ebook-convert",
		ConvertTimeout: 5 * time.Minute,
		CoverMaxBytes:  5 << 20,
	}
}

// Load builds the configuration. path names an optional YAML file; an
// empty path skips it. A missing .env file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

// normalize tidies values that are easy to get slightly wrong by hand
func (c *Config) normalize() {
	c.SourceExt = dotted(c.SourceExt)
	c.TargetExt = dotted(c.TargetExt)
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
	c.AllowedOrigins = trimAll(c.AllowedOrigins)
	c.CoverFiles = trimAll(c.CoverFiles)
}

// Validate checks settings that would only fail later
func (c *Config) Validate() error {
	if strings.TrimSpace(c.LibraryRoot) == "" {
		return errors.New("config: libraryRoot is required (set in config file or LIBRIS_LIBRARY_ROOT)")
	}
	if c.DataDir == "" {
		return errors.New("config: dataDir is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("config: port must be between 1 and 65535")
	}
	if c.ListLimit < 1 {
		return errors.New("config: listLimit must be at least 1")
	}
	if c.SearchLimit < 1 {
		return errors.New("config: searchLimit must be at least 1")
	}
	if c.MetadataFile == "" || strings.ContainsAny(c.MetadataFile, `/\`) {
		return errors.New("config: metadataFile must be a plain file name")
	}
	if len(c.CoverFiles) == 0 {
		return errors.New("config: coverFiles must name at least one file")
	}
	if c.SourceExt == "" || c.TargetExt == "" {
		return errors.New("config: sourceExt and targetExt are required")
	}
	if strings.EqualFold(c.SourceExt, c.TargetExt) {
		return errors.New("config: sourceExt and targetExt must differ")
	}
	if c.ConverterPath == "" {
		return errors.New("config: converterPath is required")
	}
	if c.ConvertTimeout <= 0 {
		return errors.New("config: convertTimeout must be positive")
	}
	if c.CoverMaxBytes <= 0 {
		return errors.New("config: coverMaxBytes must be positive")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("config: unknown logFormat %q", c.LogFormat)
	}
	return nil
}

// Addr is the listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// BaseURL is the public origin used in thumbnail URLs
func (c *Config) BaseURL() string {
	if c.PublicBaseURL != "" {
		return c.PublicBaseURL
	}
	return "http://" + c.Addr()
}

// DBPath is the SQLite file inside the data directory
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "libris.db")
}

// IndexPath is the Bleve directory inside the data directory
func (c *Config) IndexPath() string {
	return filepath.Join(c.DataDir, "bleve")
}

func dotted(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
