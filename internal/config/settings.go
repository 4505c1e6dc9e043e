package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/viper"

	"orthotiles/internal/cache"
	"orthotiles/internal/common"
	"orthotiles/internal/downloads"
	"orthotiles/internal/imagery"
	"orthotiles/internal/source"
)

// EnvPrefix prefixes environment overrides, e.g. ORTHOTILES_SIMULTANEOUSDOWNLOADS=8
const EnvPrefix = "ORTHOTILES"

// CustomSource represents a user-added imagery source
type CustomSource struct {
	ID          string `json:"id,omitempty" mapstructure:"id"`
	Name        string `json:"name" mapstructure:"name"`
	Type        string `json:"type" mapstructure:"type"` // "xyz" or "tms"
	URL         string `json:"url" mapstructure:"url"`
	Attribution string `json:"attribution,omitempty" mapstructure:"attribution"`
	TileSize    int    `json:"tileSize,omitempty" mapstructure:"tileSize"`
	Extension   string `json:"extension,omitempty" mapstructure:"extension"`
	MaxZoom     int    `json:"maxZoom,omitempty" mapstructure:"maxZoom"`
	MinZoom     int    `json:"minZoom,omitempty" mapstructure:"minZoom"`
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
}

// UserSettings represents persistent user preferences
type UserSettings struct {
	// Folders
	WorkingDirectory  string `json:"workingDirectory" mapstructure:"workingDirectory"`
	DatabaseDirectory string `json:"databaseDirectory" mapstructure:"databaseDirectory"`
	CacheDirectory    string `json:"cacheDirectory" mapstructure:"cacheDirectory"`

	// Downloads
	SimultaneousDownloads int    `json:"simultaneousDownloads" mapstructure:"simultaneousDownloads"`
	DownloadWaitMs        int    `json:"downloadWaitMs" mapstructure:"downloadWaitMs"`
	DownloadWaitRandomMs  int    `json:"downloadWaitRandomMs" mapstructure:"downloadWaitRandomMs"`
	MaxRetries            int    `json:"maxRetries" mapstructure:"maxRetries"`
	UserAgent             string `json:"userAgent" mapstructure:"userAgent"`
	RequestTimeoutSeconds int    `json:"requestTimeoutSeconds" mapstructure:"requestTimeoutSeconds"`

	// Stitching
	MaxTilesPerStitchedImage int    `json:"maxTilesPerStitchedImage" mapstructure:"maxTilesPerStitchedImage"`
	OutputFormat             string `json:"outputFormat" mapstructure:"outputFormat"`

	// Sources
	DefaultSource string         `json:"defaultSource" mapstructure:"defaultSource"`
	DefaultZoom   int            `json:"defaultZoom" mapstructure:"defaultZoom"`
	LinzURL       string         `json:"linzUrl" mapstructure:"linzUrl"`
	CustomSources []CustomSource `json:"customSources" mapstructure:"customSources"`

	// Airports
	AirportMaxAgeDays int `json:"airportMaxAgeDays" mapstructure:"airportMaxAgeDays"`

	// Local tile server
	ServerAddr string `json:"serverAddr" mapstructure:"serverAddr"`

	// Runtime
	Env         string `json:"env" mapstructure:"env"`
	LogLevel    string `json:"logLevel" mapstructure:"logLevel"`
	PostHogKey  string `json:"posthogKey,omitempty" mapstructure:"posthogKey"`
	PostHogHost string `json:"posthogHost,omitempty" mapstructure:"posthogHost"`
}

// BaseDir returns the application's home directory: ~/.orthotiles
func BaseDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".orthotiles")
}

// DefaultSettings returns default user settings
func DefaultSettings() *UserSettings {
	base := BaseDir()

	return &UserSettings{
		WorkingDirectory:         filepath.Join(base, "work"),
		DatabaseDirectory:        filepath.Join(base, "db"),
		CacheDirectory:           cache.DefaultDir(),
		SimultaneousDownloads:    downloads.DefaultWorkers,
		DownloadWaitMs:           int(downloads.DefaultDelay / time.Millisecond),
		DownloadWaitRandomMs:     int(downloads.DefaultDelayJitter / time.Millisecond),
		MaxRetries:               downloads.DefaultMaxRetries,
		UserAgent:                downloads.DefaultUserAgent,
		RequestTimeoutSeconds:    int(downloads.DefaultTimeout / time.Second),
		MaxTilesPerStitchedImage: imagery.DefaultMaxTilesPerAxis,
		OutputFormat:             string(common.FormatPNG),
		DefaultSource:            common.SourceNZLinz,
		DefaultZoom:              17,
		LinzURL:                  source.LinzURLTemplate,
		CustomSources:            []CustomSource{},
		AirportMaxAgeDays:        7,
		ServerAddr:               "127.0.0.1:8765",
		Env:                      "development",
		LogLevel:                 "info",
		PostHogHost:              "https://us.i.posthog.com",
	}
}

// GetSettingsPath returns the settings file path
func GetSettingsPath() string {
	return filepath.Join(BaseDir(), "settings", "settings.json")
}

// defaultsMap lists every settings key with its default so that viper knows which
// keys to look up in the environment.
func defaultsMap() (map[string]interface{}, error) {
	data, err := json.Marshal(DefaultSettings())
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadSettings loads user settings from path, falling back to defaults for missing
// fields and a missing file. Environment variables override both.
func LoadSettings(path string) (*UserSettings, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	defaults, err := defaultsMap()
	if err != nil {
		return nil, fmt.Errorf("failed to build default settings: %w", err)
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	// PostHogKey is omitted from the defaults when empty
	v.SetDefault("posthogKey", "")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to parse settings: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
	}

	var settings UserSettings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if settings.CustomSources == nil {
		settings.CustomSources = []CustomSource{}
	}

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return &settings, nil
}

// SaveSettings saves user settings to path
func SaveSettings(path string, settings *UserSettings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}

// Validate checks every value domain
func (s *UserSettings) Validate() error {
	if !lo.Contains(downloads.AllowedConcurrency, s.SimultaneousDownloads) {
		return fmt.Errorf("simultaneous downloads must be one of %v, got %d", downloads.AllowedConcurrency, s.SimultaneousDownloads)
	}
	if s.DownloadWaitMs < 0 || s.DownloadWaitRandomMs < 0 {
		return fmt.Errorf("download wait must not be negative")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", s.MaxRetries)
	}
	if s.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("request timeout must be at least 1 second, got %d", s.RequestTimeoutSeconds)
	}
	if s.MaxTilesPerStitchedImage < 1 {
		return fmt.Errorf("max tiles per stitched image must be at least 1, got %d", s.MaxTilesPerStitchedImage)
	}
	if _, err := common.ParseOutputFormat(s.OutputFormat); err != nil {
		return err
	}
	if s.WorkingDirectory == "" || s.DatabaseDirectory == "" || s.CacheDirectory == "" {
		return fmt.Errorf("working, database and cache directories are required")
	}
	if s.AirportMaxAgeDays < 1 {
		return fmt.Errorf("airport max age must be at least 1 day, got %d", s.AirportMaxAgeDays)
	}

	for i := range s.CustomSources {
		if err := ValidateCustomSource(&s.CustomSources[i]); err != nil {
			return err
		}
	}

	providers, err := s.Providers()
	if err != nil {
		return err
	}
	if s.DefaultSource != "" {
		if _, ok := lo.Find(providers, func(p source.Provider) bool { return p.SourceID == s.DefaultSource }); !ok {
			return fmt.Errorf("%w: default source %q", common.ErrUnknownSource, s.DefaultSource)
		}
	}
	return nil
}

// DownloadConfig returns the scheduler configuration described by the settings
func (s *UserSettings) DownloadConfig() downloads.Config {
	cfg := downloads.DefaultConfig()
	cfg.MaxConcurrent = s.SimultaneousDownloads
	cfg.Delay = time.Duration(s.DownloadWaitMs) * time.Millisecond
	cfg.DelayJitter = time.Duration(s.DownloadWaitRandomMs) * time.Millisecond
	cfg.MaxRetries = s.MaxRetries
	return cfg
}

// RequestTimeout returns the per-request HTTP timeout
func (s *UserSettings) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// Format returns the configured composite output format
func (s *UserSettings) Format() common.OutputFormat {
	f, err := common.ParseOutputFormat(s.OutputFormat)
	if err != nil {
		return common.FormatPNG
	}
	return f
}

// AirportMaxAge returns how old the airport cache may get before a refresh
func (s *UserSettings) AirportMaxAge() time.Duration {
	return time.Duration(s.AirportMaxAgeDays) * 24 * time.Hour
}

// Providers returns the built-in providers followed by every enabled custom source
func (s *UserSettings) Providers() ([]source.Provider, error) {
	linzURL := s.LinzURL
	if linzURL == "" {
		linzURL = source.LinzURLTemplate
	}
	providers := []source.Provider{source.Linz(linzURL)}

	for _, cs := range s.CustomSources {
		if !cs.Enabled {
			continue
		}
		p, err := cs.Provider()
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

var nonIDChars = regexp.MustCompile(`[^a-z0-9]+`)

// SourceID returns the explicit id, or one derived from the name
func (cs *CustomSource) SourceID() string {
	if cs.ID != "" {
		return cs.ID
	}
	return strings.Trim(nonIDChars.ReplaceAllString(strings.ToLower(cs.Name), "_"), "_")
}

// Provider converts the custom source into a tile provider
func (cs *CustomSource) Provider() (source.Provider, error) {
	scheme, err := common.ParseScheme(cs.Type)
	if err != nil {
		return source.Provider{}, err
	}

	size := cs.TileSize
	if size == 0 {
		size = 256
	}
	ext := strings.TrimPrefix(cs.Extension, ".")
	if ext == "" {
		ext = "png"
	}
	maxZoom := cs.MaxZoom
	if maxZoom == 0 {
		maxZoom = 19
	}

	p := source.Provider{
		SourceID:       cs.SourceID(),
		Name:           cs.Name,
		URLTemplate:    cs.URL,
		TileWidth:      size,
		TileHeight:     size,
		ImageExtension: ext,
		Scheme:         scheme,
		MinZoom:        cs.MinZoom,
		MaxZoom:        maxZoom,
		Attribution:    cs.Attribution,
	}
	if err := p.Validate(); err != nil {
		return source.Provider{}, fmt.Errorf("custom source %q: %w", cs.Name, err)
	}
	return p, nil
}

// ValidateCustomSource validates a custom source configuration
func ValidateCustomSource(cs *CustomSource) error {
	if cs.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if cs.URL == "" {
		return fmt.Errorf("source URL is required")
	}
	if cs.Type == "" {
		return fmt.Errorf("source type is required")
	}

	validTypes := map[string]bool{
		"xyz": true,
		"tms": true,
	}
	if !validTypes[cs.Type] {
		return fmt.Errorf("invalid source type: %s (must be xyz or tms)", cs.Type)
	}
	if cs.SourceID() == "" {
		return fmt.Errorf("source %q has no usable id", cs.Name)
	}

	return nil
}
