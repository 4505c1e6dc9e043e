package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orthotiles/internal/common"
	"orthotiles/internal/downloads"
	"orthotiles/internal/imagery"
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadSettings_MissingFileGivesDefaults(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)

	d := DefaultSettings()
	assert.Equal(t, d.SimultaneousDownloads, s.SimultaneousDownloads)
	assert.Equal(t, d.DownloadWaitMs, s.DownloadWaitMs)
	assert.Equal(t, imagery.DefaultMaxTilesPerAxis, s.MaxTilesPerStitchedImage)
	assert.Equal(t, common.SourceNZLinz, s.DefaultSource)
	assert.Empty(t, s.CustomSources)
}

func TestLoadSettings_FileOverridesAndMergesDefaults(t *testing.T) {
	path := writeSettings(t, `{
		"simultaneousDownloads": 8,
		"downloadWaitMs": 250,
		"downloadWaitRandomMs": 0,
		"outputFormat": "webp",
		"customSources": [
			{"name": "Topo Maps", "type": "tms", "url": "https://tiles.example/{zoom}/{x}/{y}.png", "enabled": true}
		]
	}`)

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 8, s.SimultaneousDownloads)
	assert.Equal(t, 250, s.DownloadWaitMs)
	assert.Equal(t, 0, s.DownloadWaitRandomMs)
	assert.Equal(t, common.FormatWebP, s.Format())
	assert.Equal(t, downloads.DefaultUserAgent, s.UserAgent)

	require.Len(t, s.CustomSources, 1)
	providers, err := s.Providers()
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, common.SourceNZLinz, providers[0].SourceID)
	assert.Equal(t, "topo_maps", providers[1].SourceID)
	assert.Equal(t, common.SchemeTMS, providers[1].Scheme)
	assert.Equal(t, 256, providers[1].TileWidth)
}

func TestLoadSettings_EnvironmentOverrides(t *testing.T) {
	path := writeSettings(t, `{"simultaneousDownloads": 4}`)
	t.Setenv("ORTHOTILES_SIMULTANEOUSDOWNLOADS", "6")
	t.Setenv("ORTHOTILES_USERAGENT", "test-agent/2")

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 6, s.SimultaneousDownloads)
	assert.Equal(t, "test-agent/2", s.UserAgent)
}

func TestLoadSettings_RejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"concurrency":   `{"simultaneousDownloads": 5}`,
		"negative wait": `{"downloadWaitMs": -1}`,
		"stitch budget": `{"maxTilesPerStitchedImage": 0}`,
		"format":        `{"outputFormat": "bmp"}`,
		"source":        `{"defaultSource": "nowhere"}`,
		"custom type":   `{"customSources": [{"name": "W", "type": "wms", "url": "https://x/{zoom}/{x}/{y}", "enabled": true}]}`,
		"custom url":    `{"customSources": [{"name": "W", "type": "xyz", "url": "https://x/{x}/{y}", "enabled": true}]}`,
		"malformed":     `{"simultaneousDownloads": `,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadSettings(writeSettings(t, body))
			assert.Error(t, err)
		})
	}
}

func TestSaveSettings_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings", "settings.json")

	s := DefaultSettings()
	s.SimultaneousDownloads = 6
	s.CustomSources = []CustomSource{{ID: "osm", Name: "OSM", Type: "xyz", URL: "https://tile.example/{zoom}/{x}/{y}.png", Enabled: false}}
	require.NoError(t, SaveSettings(path, s))

	loaded, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 6, loaded.SimultaneousDownloads)
	require.Len(t, loaded.CustomSources, 1)
	assert.Equal(t, "osm", loaded.CustomSources[0].ID)

	providers, err := loaded.Providers()
	require.NoError(t, err)
	assert.Len(t, providers, 1, "disabled sources are skipped")

	s.SimultaneousDownloads = 3
	assert.Error(t, SaveSettings(path, s))
}

func TestDownloadConfig(t *testing.T) {
	s := DefaultSettings()
	s.SimultaneousDownloads = 8
	s.DownloadWaitMs = 300
	s.DownloadWaitRandomMs = 120
	s.MaxRetries = 5

	cfg := s.DownloadConfig()
	assert.Equal(t, 8, cfg.MaxConcurrent)
	assert.Equal(t, 300*time.Millisecond, cfg.Delay)
	assert.Equal(t, 120*time.Millisecond, cfg.DelayJitter)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.NoError(t, cfg.Validate())
}

func TestCustomSource_SourceID(t *testing.T) {
	cs := CustomSource{Name: "  Aerial (2023) NZ "}
	assert.Equal(t, "aerial_2023_nz", cs.SourceID())

	cs.ID = "explicit"
	assert.Equal(t, "explicit", cs.SourceID())
}
