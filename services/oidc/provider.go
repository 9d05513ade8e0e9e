package oidc

import (
	"github.com/billmanager/billmanager/config"
	"github.com/billmanager/billmanager/services/auth"
	"github.com/billmanager/billmanager/services/logging"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func NewProvider(cfg *config.Config, db *gorm.DB, users *auth.Service, logger *logging.Service) *Service {
	return NewService(cfg, db, users, logger)
}

var Module = fx.Options(
	fx.Provide(NewProvider),
)
