package poi

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"

	"orthotiles/internal/common"
	"orthotiles/internal/logger"
	"orthotiles/internal/store"
)

// DefaultStaleAge is the age assumed for a cache that was never refreshed
const DefaultStaleAge = 10 * 24 * time.Hour

// insertBatchSize bounds the statement size of a refresh
const insertBatchSize = 200

// Loader produces a fresh airport dataset
type Loader func(ctx context.Context) ([]Airport, error)

// Cache keeps the airport dataset in the store. The set is replaced as a whole and
// every record shares the same LastCached time.
type Cache struct {
	store *store.Store
	log   *logger.Logger
	now   func() time.Time
}

// NewCache creates a cache over an open store
func NewCache(s *store.Store, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.Nop()
	}
	return &Cache{store: s, log: log, now: time.Now}
}

// GetAll returns every airport ordered by latitude then longitude
func (c *Cache) GetAll(ctx context.Context) ([]Airport, error) {
	var rows []airportRow
	if err := c.store.DB(ctx).Order("Latitude").Order("Longitude").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: list airports: %v", common.ErrStoreIO, err)
	}
	airports := make([]Airport, 0, len(rows))
	for _, r := range rows {
		a, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		airports = append(airports, a)
	}
	return airports, nil
}

// LastRefreshed returns when the dataset was last replaced. An empty cache reports a
// time old enough to be considered stale.
func (c *Cache) LastRefreshed(ctx context.Context) (time.Time, error) {
	fallback := c.now().UTC().Add(-DefaultStaleAge)

	var last sql.NullString
	err := c.store.DB(ctx).Model(&airportRow{}).Select("MAX(LastCached)").Row().Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: read last cached: %v", common.ErrStoreIO, err)
	}
	if !last.Valid || last.String == "" {
		return fallback, nil
	}
	t, err := parseTime(last.String)
	if err != nil {
		c.log.Warn("[Airports] Unparseable last cached time", map[string]interface{}{"value": last.String})
		return fallback, nil
	}
	return t, nil
}

// IsStale reports whether the dataset is older than maxAge
func (c *Cache) IsStale(ctx context.Context, maxAge time.Duration) (bool, error) {
	last, err := c.LastRefreshed(ctx)
	if err != nil {
		return false, err
	}
	return c.now().Sub(last) > maxAge, nil
}

// Refresh replaces the dataset with airports. On failure the previous dataset is
// left untouched.
func (c *Cache) Refresh(ctx context.Context, airports []Airport) error {
	cachedAt := c.now().UTC().Truncate(time.Second)

	rows := make([]airportRow, 0, len(airports))
	for _, a := range airports {
		if err := a.Validate(); err != nil {
			return err
		}
		a.LastCached = cachedAt
		rows = append(rows, toRow(a))
	}

	err := c.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&airportRow{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, insertBatchSize).Error
	})
	if err != nil {
		c.log.Error("[Airports] Refresh failed", err, map[string]interface{}{"count": len(rows)})
		return fmt.Errorf("%w: refresh airports: %v", common.ErrStoreIO, err)
	}

	c.log.Info("[Airports] Refreshed", map[string]interface{}{"count": len(rows), "cachedAt": formatTime(cachedAt)})
	return nil
}

// RefreshIfStale loads and stores a new dataset when the current one is older than
// maxAge. It reports whether a refresh happened.
func (c *Cache) RefreshIfStale(ctx context.Context, maxAge time.Duration, load Loader) (bool, error) {
	stale, err := c.IsStale(ctx, maxAge)
	if err != nil || !stale {
		return false, err
	}
	airports, err := load(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load airports: %w", err)
	}
	if err := c.Refresh(ctx, airports); err != nil {
		return false, err
	}
	return true, nil
}
