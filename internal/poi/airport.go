package poi

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"orthotiles/internal/common"
)

// Airport is one point of interest in the cached dataset
type Airport struct {
	Code           string    `json:"icao"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	Runways        int       `json:"runways"`
	Buildings      int       `json:"buildings"`
	StaticAircraft int       `json:"staticAircraft"`
	Name           string    `json:"name"`
	LastModified   time.Time `json:"lastModified"`
	LastCached     time.Time `json:"lastCached"`
	URL            string    `json:"url"`
}

// airportRow is the stored form of an Airport
type airportRow struct {
	ICAO           string  `gorm:"column:ICAO"`
	Latitude       float64 `gorm:"column:Latitude"`
	Longitude      float64 `gorm:"column:Longitude"`
	Runways        int     `gorm:"column:Runways"`
	Buildings      int     `gorm:"column:Buildings"`
	StaticAircraft int     `gorm:"column:StaticAircraft"`
	Name           string  `gorm:"column:Name"`
	LastModified   string  `gorm:"column:LastModified"`
	LastCached     string  `gorm:"column:LastCached"`
	URL            string  `gorm:"column:Url"`
}

func (airportRow) TableName() string { return "FSCloudPortAirports" }

// formatTime stores the zero time as an empty column
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return common.FormatStoreTimestamp(t)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return common.ParseStoreTimestamp(s)
}

func toRow(a Airport) airportRow {
	return airportRow{
		ICAO:           a.Code,
		Latitude:       a.Latitude,
		Longitude:      a.Longitude,
		Runways:        a.Runways,
		Buildings:      a.Buildings,
		StaticAircraft: a.StaticAircraft,
		Name:           a.Name,
		LastModified:   formatTime(a.LastModified),
		LastCached:     formatTime(a.LastCached),
		URL:            a.URL,
	}
}

func fromRow(r airportRow) (Airport, error) {
	modified, err := parseTime(r.LastModified)
	if err != nil {
		return Airport{}, fmt.Errorf("airport %s: last modified: %w", r.ICAO, err)
	}
	cached, err := parseTime(r.LastCached)
	if err != nil {
		return Airport{}, fmt.Errorf("airport %s: last cached: %w", r.ICAO, err)
	}
	return Airport{
		Code:           r.ICAO,
		Latitude:       r.Latitude,
		Longitude:      r.Longitude,
		Runways:        r.Runways,
		Buildings:      r.Buildings,
		StaticAircraft: r.StaticAircraft,
		Name:           r.Name,
		LastModified:   modified,
		LastCached:     cached,
		URL:            r.URL,
	}, nil
}

// Validate checks the fields required to place an airport on a map
func (a Airport) Validate() error {
	if strings.TrimSpace(a.Code) == "" {
		return fmt.Errorf("airport code is required")
	}
	if a.Latitude < -90 || a.Latitude > 90 || a.Longitude < -180 || a.Longitude > 180 {
		return fmt.Errorf("airport %s: coordinate out of range: %f, %f", a.Code, a.Latitude, a.Longitude)
	}
	return nil
}

// LoadFile reads a JSON array of airports
func LoadFile(path string) ([]Airport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read airports file: %w", err)
	}
	var airports []Airport
	if err := json.Unmarshal(data, &airports); err != nil {
		return nil, fmt.Errorf("failed to parse airports file: %w", err)
	}
	return airports, nil
}
