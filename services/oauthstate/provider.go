package oauthstate

import (
	"github.com/billmanager/billmanager/config"
	"github.com/billmanager/billmanager/services/jwt"
	"github.com/billmanager/billmanager/services/logging"
	"go.uber.org/fx"
)

func NewProvider(cfg *config.Config, signer *jwt.Service, logger *logging.Service) *Codec {
	return NewCodec(cfg, signer, logger)
}

var Module = fx.Options(
	fx.Provide(NewProvider),
)
