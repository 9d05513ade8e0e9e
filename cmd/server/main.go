package main

import (
	"github.com/billmanager/billmanager/config"
	"github.com/billmanager/billmanager/database"
	"github.com/billmanager/billmanager/handlers/authapi"
	"github.com/billmanager/billmanager/server"
	"github.com/billmanager/billmanager/services/auth"
	"github.com/billmanager/billmanager/services/jwt"
	"github.com/billmanager/billmanager/services/logging"
	"github.com/billmanager/billmanager/services/mail"
	"github.com/billmanager/billmanager/services/oauthstate"
	"github.com/billmanager/billmanager/services/oidc"
	"github.com/billmanager/billmanager/services/refreshtoken"
	"github.com/billmanager/billmanager/services/twofa"
	"go.uber.org/fx"
)

func main() {
	fx.New(
		config.Module,
		logging.Module,
		fx.Supply(database.WithModels(
			&auth.User{},
			&auth.Workspace{},
			&refreshtoken.RefreshToken{},
			&oidc.OAuthAccount{},
			&twofa.Config{},
			&twofa.Challenge{},
			&twofa.Credential{},
		)),
		database.Module,
		jwt.Module,
		auth.Module,
		refreshtoken.Module,
		oauthstate.Module,
		oidc.Module,
		mail.Module,
		twofa.Module,
		authapi.Module,
		server.Module,
	).Run()
}
