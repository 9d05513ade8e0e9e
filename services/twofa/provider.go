package twofa

import (
	"github.com/billmanager/billmanager/config"
	"github.com/billmanager/billmanager/services/logging"
	"github.com/billmanager/billmanager/services/mail"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func NewProvider(cfg *config.Config, db *gorm.DB, sender mail.Sender, logger *logging.Service) *Service {
	return NewService(cfg, db, sender, logger)
}

var Module = fx.Options(
	fx.Provide(NewProvider),
)
