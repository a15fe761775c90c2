package data

import (
	"context"
	"fmt"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// settingsCache holds the active rows of the settings table. Config lookups
// consult it before the environment.
type settingsCache struct {
	mu     sync.RWMutex
	values map[string]string
}

var settings settingsCache

func (c *settingsCache) replace(rows []Setting) {
	values := make(map[string]string, len(rows))
	for _, s := range rows {
		values[s.Name] = s.Value
	}
	c.mu.Lock()
	c.values = values
	c.mu.Unlock()
}

func (c *settingsCache) lookup(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[name]
	return v, ok
}

func (c *settingsCache) put(name, value string) {
	c.mu.Lock()
	if c.values == nil {
		c.values = make(map[string]string)
	}
	c.values[name] = value
	c.mu.Unlock()
}

// LoadSettings replaces the cache with the active rows of the settings table.
func LoadSettings(db *gorm.DB) error {
	var rows []Setting
	if err := db.Where("active = ?", 1).Find(&rows).Error; err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	settings.replace(rows)
	return nil
}

// PutSetting stores an active setting, overwriting any row with the same
// name, and makes it visible to GetSetting.
func PutSetting(ctx context.Context, db *gorm.DB, name, value string) error {
	row := Setting{Name: name, Value: value, Active: 1}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "active"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("put setting %s: %w", name, err)
	}
	settings.put(name, value)
	return nil
}

// LookupSetting reports the cached value of name and whether it is set.
func LookupSetting(name string) (string, bool) {
	return settings.lookup(name)
}

// GetSetting returns the cached value of name, or "" (call LoadSettings first).
func GetSetting(name string) string {
	v, _ := settings.lookup(name)
	return v
}

// ResetSettings empties the cache.
func ResetSettings() {
	settings.replace(nil)
}
