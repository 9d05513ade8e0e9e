package database

import (
	"fmt"

	"github.com/billmanager/billmanager/config"
	"github.com/billmanager/billmanager/services/logging"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Models carries the model set the connection auto-migrates. main supplies
// it so this package stays free of service imports.
type Models struct {
	models []any
}

func WithModels(models ...any) *Models {
	return &Models{models: models}
}

func dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.Open(cfg.DSN), nil
	case "postgres", "postgresql":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres, mysql)", cfg.Driver)
	}
}

func NewProvider(cfg *config.Config, models *Models, logger *logging.Service) (*gorm.DB, error) {
	d, err := dialector(cfg.Database)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(d, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Database.AutoMigrate && models != nil && len(models.models) > 0 {
		if err := db.AutoMigrate(models.models...); err != nil {
			return nil, fmt.Errorf("failed to auto-migrate models: %w", err)
		}
		logger.Info("database migrated",
			zap.String("driver", cfg.Database.Driver),
			zap.Int("models", len(models.models)))
	}

	return db, nil
}

var Module = fx.Options(
	fx.Provide(NewProvider),
)
