package gridsquare

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"orthotiles/internal/common"
	"orthotiles/internal/logger"
	"orthotiles/internal/store"
	"orthotiles/internal/tiles"
)

// Registry persists grid squares. Every mutating call runs in one transaction.
type Registry struct {
	store *store.Store
	log   *logger.Logger
}

// NewRegistry creates a registry over an open store
func NewRegistry(s *store.Store, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{store: s, log: log}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", common.ErrStoreIO, op, err)
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// nameTaken reports whether another square already uses name
func nameTaken(tx *gorm.DB, name string, exceptID int64) (bool, error) {
	var n int64
	err := tx.Model(&GridSquare{}).Where("Name = ? AND GridSquareId <> ?", name, exceptID).Count(&n).Error
	return n > 0, err
}

// Create stores a new user-defined square. The square is marked fixed and its ID is
// filled in.
func (r *Registry) Create(ctx context.Context, gs *GridSquare) error {
	if err := gs.Validate(); err != nil {
		return err
	}
	gs.Fixed = true
	gs.ID = 0
	return r.insert(ctx, gs)
}

func (r *Registry) insert(ctx context.Context, gs *GridSquare) error {
	err := r.store.Transaction(ctx, func(tx *gorm.DB) error {
		taken, err := nameTaken(tx, gs.Name, 0)
		if err != nil {
			return storeErr("check name", err)
		}
		if taken {
			return fmt.Errorf("%w: grid square %q", common.ErrDuplicateName, gs.Name)
		}
		if err := tx.Create(gs).Error; err != nil {
			if isDuplicate(err) {
				return fmt.Errorf("%w: grid square %q", common.ErrDuplicateName, gs.Name)
			}
			return storeErr("insert grid square", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.log.Info("[GridSquares] Created", map[string]interface{}{"id": gs.ID, "name": gs.Name, "fixed": gs.Fixed})
	return nil
}

// Update replaces every field of an existing square
func (r *Registry) Update(ctx context.Context, gs GridSquare) error {
	if err := gs.Validate(); err != nil {
		return err
	}
	return r.store.Transaction(ctx, func(tx *gorm.DB) error {
		var existing GridSquare
		if err := tx.First(&existing, gs.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: grid square %d", common.ErrNotFound, gs.ID)
			}
			return storeErr("load grid square", err)
		}
		taken, err := nameTaken(tx, gs.Name, gs.ID)
		if err != nil {
			return storeErr("check name", err)
		}
		if taken {
			return fmt.Errorf("%w: grid square %q", common.ErrDuplicateName, gs.Name)
		}
		if err := tx.Save(&gs).Error; err != nil {
			if isDuplicate(err) {
				return fmt.Errorf("%w: grid square %q", common.ErrDuplicateName, gs.Name)
			}
			return storeErr("update grid square", err)
		}
		return nil
	})
}

// Get returns the square with id
func (r *Registry) Get(ctx context.Context, id int64) (GridSquare, error) {
	var gs GridSquare
	if err := r.store.DB(ctx).First(&gs, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return GridSquare{}, fmt.Errorf("%w: grid square %d", common.ErrNotFound, id)
		}
		return GridSquare{}, storeErr("load grid square", err)
	}
	return gs, nil
}

// Find returns the square named name
func (r *Registry) Find(ctx context.Context, name string) (GridSquare, error) {
	var gs GridSquare
	if err := r.store.DB(ctx).Where("Name = ?", name).First(&gs).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return GridSquare{}, fmt.Errorf("%w: grid square %q", common.ErrNotFound, name)
		}
		return GridSquare{}, storeErr("find grid square", err)
	}
	return gs, nil
}

// List returns every square ordered by name
func (r *Registry) List(ctx context.Context) ([]GridSquare, error) {
	var squares []GridSquare
	if err := r.store.DB(ctx).Order("Name").Find(&squares).Error; err != nil {
		return nil, storeErr("list grid squares", err)
	}
	return squares, nil
}

// Delete removes the square with id, returning ErrNotFound if there is none
func (r *Registry) Delete(ctx context.Context, id int64) error {
	return r.store.Transaction(ctx, func(tx *gorm.DB) error {
		res := tx.Delete(&GridSquare{}, id)
		if res.Error != nil {
			return storeErr("delete grid square", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: grid square %d", common.ErrNotFound, id)
		}
		return nil
	})
}

// DeleteByName removes the square named name. Deleting a missing name succeeds.
func (r *Registry) DeleteByName(ctx context.Context, name string) error {
	return r.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("Name = ?", name).Delete(&GridSquare{}).Error; err != nil {
			return storeErr("delete grid square", err)
		}
		return nil
	})
}

// EnsureDerived returns the derived square for the level-sized tile containing the
// point, creating it when absent.
func (r *Registry) EnsureDerived(ctx context.Context, lat, lon float64, level int) (GridSquare, error) {
	x, y, err := tiles.TileIndexForPoint(lat, lon, level, common.SchemeGoogle)
	if err != nil {
		return GridSquare{}, err
	}
	b, err := tiles.BoundsForTileIndex(x, y, level, common.SchemeGoogle)
	if err != nil {
		return GridSquare{}, err
	}

	name := DerivedName(level, x, y)
	if gs, err := r.Find(ctx, name); err == nil {
		return gs, nil
	} else if !errors.Is(err, common.ErrNotFound) {
		return GridSquare{}, err
	}

	gs := GridSquare{
		Name:     name,
		NorthLat: b.North,
		SouthLat: b.South,
		EastLon:  b.East,
		WestLon:  b.West,
		Level:    level,
		Fixed:    false,
	}
	if err := r.insert(ctx, &gs); err != nil {
		if errors.Is(err, common.ErrDuplicateName) {
			// created concurrently
			return r.Find(ctx, name)
		}
		return GridSquare{}, err
	}
	return gs, nil
}
