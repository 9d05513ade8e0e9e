package jwt

import (
	"github.com/billmanager/billmanager/config"
	"github.com/billmanager/billmanager/services/logging"
	"go.uber.org/fx"
)

func NewProvider(cfg *config.Config, logger *logging.Service) *Service {
	return NewService(cfg, logger)
}

var Module = fx.Options(
	fx.Provide(NewProvider),
)
