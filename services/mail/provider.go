package mail

import (
	"github.com/billmanager/billmanager/config"
	"github.com/billmanager/billmanager/services/logging"
	"go.uber.org/fx"
)

func NewProvider(cfg *config.Config, logger *logging.Service) (*Service, error) {
	return NewService(&cfg.Mail, logger)
}

var Module = fx.Options(
	fx.Provide(NewProvider),
	fx.Provide(func(s *Service) Sender { return s }),
)
