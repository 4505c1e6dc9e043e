package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/samber/lo"

	"orthotiles/internal/config"
	"orthotiles/internal/wmts"
)

// Settings management

// GetSettings returns a copy of the current user settings
func (a *App) GetSettings() config.UserSettings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.settings
}

// GetSettingsPath returns the settings file in use
func (a *App) GetSettingsPath() string {
	return a.settingsPath
}

// saveSettings validates and persists next, then makes it current. Must be called
// with a.mu held. Changes to sources take effect on the next start.
func (a *App) saveSettings(next *config.UserSettings) error {
	if err := config.SaveSettings(a.settingsPath, next); err != nil {
		return err
	}
	a.settings = next
	return nil
}

func (a *App) settingsCopy() *config.UserSettings {
	next := *a.settings
	next.CustomSources = append([]config.CustomSource(nil), a.settings.CustomSources...)
	return &next
}

// Custom sources

// AddCustomSource adds a new custom imagery source
func (a *App) AddCustomSource(cs config.CustomSource) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := config.ValidateCustomSource(&cs); err != nil {
		return err
	}
	id := cs.SourceID()
	if _, err := a.sources.Lookup(id); err == nil {
		return fmt.Errorf("source %q already exists", id)
	}
	if lo.ContainsBy(a.settings.CustomSources, func(existing config.CustomSource) bool {
		return existing.SourceID() == id
	}) {
		return fmt.Errorf("source %q already exists", id)
	}

	next := a.settingsCopy()
	next.CustomSources = append(next.CustomSources, cs)
	if err := a.saveSettings(next); err != nil {
		return err
	}

	a.log.Info("[App] Added custom source", map[string]interface{}{"source": id, "type": cs.Type})
	return nil
}

// RemoveCustomSource removes a custom imagery source by id or name
func (a *App) RemoveCustomSource(idOrName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	kept := lo.Reject(a.settings.CustomSources, func(cs config.CustomSource, _ int) bool {
		return cs.SourceID() == idOrName || cs.Name == idOrName
	})
	if len(kept) == len(a.settings.CustomSources) {
		return fmt.Errorf("source %q not found", idOrName)
	}

	next := a.settingsCopy()
	next.CustomSources = kept
	if err := a.saveSettings(next); err != nil {
		return err
	}

	a.log.Info("[App] Removed custom source", map[string]interface{}{"source": idOrName})
	return nil
}

// WMTS integration

// FetchWMTSLayers fetches available layers from a WMTS service
func (a *App) FetchWMTSLayers(ctx context.Context, url string) ([]wmts.LayerInfo, error) {
	client := &http.Client{Timeout: a.settings.RequestTimeout()}
	caps, err := wmts.FetchCapabilities(ctx, client, url)
	if err != nil {
		return nil, err
	}

	layers := wmts.GetLayers(caps)
	a.log.Info("[App] Fetched WMTS layers", map[string]interface{}{"url": url, "layers": len(layers)})
	return layers, nil
}

// CreateSourceFromWMTSLayer creates a custom source from a web mercator WMTS layer
func CreateSourceFromWMTSLayer(layer wmts.LayerInfo, attribution string) (config.CustomSource, error) {
	if !layer.WebMercator {
		return config.CustomSource{}, fmt.Errorf("layer %q has no web mercator tile matrix set", layer.Name)
	}
	if layer.TemplateURL == "" {
		return config.CustomSource{}, fmt.Errorf("layer %q has no tile resource URL", layer.Name)
	}
	name := layer.Title
	if name == "" {
		name = layer.Name
	}
	return config.CustomSource{
		Name:        name,
		Type:        "xyz",
		URL:         wmts.ConvertTemplateToXYZ(layer.TemplateURL),
		Attribution: attribution,
		TileSize:    layer.TileSize,
		Extension:   wmts.FormatExtension(layer.Format),
		MinZoom:     layer.MinZoom,
		MaxZoom:     layer.MaxZoom,
		Enabled:     true,
	}, nil
}

// ImportWMTSLayer adds the named layer of a WMTS service as a custom source
func (a *App) ImportWMTSLayer(ctx context.Context, url, layerName, attribution string) (config.CustomSource, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	layers, err := a.FetchWMTSLayers(ctx, url)
	if err != nil {
		return config.CustomSource{}, err
	}
	layer, ok := lo.Find(layers, func(l wmts.LayerInfo) bool { return l.Name == layerName })
	if !ok {
		return config.CustomSource{}, fmt.Errorf("layer %q not found, available: %v", layerName,
			lo.Map(layers, func(l wmts.LayerInfo, _ int) string { return l.Name }))
	}

	cs, err := CreateSourceFromWMTSLayer(layer, attribution)
	if err != nil {
		return config.CustomSource{}, err
	}
	return cs, a.AddCustomSource(cs)
}
