package database

import (
	"testing"

	"github.com/billmanager/billmanager/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	t.Run("opens a connection and migrates the supplied models", func(t *testing.T) {
		cfg := testutils.GetTestConfig()
		cfg.Database.AutoMigrate = true

		type widget struct {
			ID   uint `gorm:"primaryKey"`
			Name string
		}

		db, err := NewProvider(cfg, WithModels(&widget{}), nil)
		require.NoError(t, err)
		assert.True(t, db.Migrator().HasTable(&widget{}))
	})

	t.Run("skips migration when disabled", func(t *testing.T) {
		cfg := testutils.GetTestConfig()
		cfg.Database.AutoMigrate = false

		type gadget struct {
			ID uint `gorm:"primaryKey"`
		}

		db, err := NewProvider(cfg, WithModels(&gadget{}), nil)
		require.NoError(t, err)
		assert.False(t, db.Migrator().HasTable(&gadget{}))
	})

	t.Run("rejects an unknown driver", func(t *testing.T) {
		cfg := testutils.GetTestConfig()
		cfg.Database.Driver = "oracle"

		_, err := NewProvider(cfg, WithModels(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported database driver")
	})
}
