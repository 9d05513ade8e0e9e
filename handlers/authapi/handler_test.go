package authapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/billmanager/billmanager/config"
	"github.com/billmanager/billmanager/services/auth"
	"github.com/billmanager/billmanager/services/jwt"
	"github.com/billmanager/billmanager/services/oauthstate"
	"github.com/billmanager/billmanager/services/oidc"
	"github.com/billmanager/billmanager/services/refreshtoken"
	"github.com/billmanager/billmanager/services/twofa"
	"github.com/billmanager/billmanager/testutils"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testEnv struct {
	echo   *echo.Echo
	db     *gorm.DB
	cfg    *config.Config
	users  *auth.Service
	twofa  *twofa.Service
	sender *testutils.MockSender
}

func newTestEnv(t *testing.T) *testEnv {
	db := testutils.SetupTestDB(t,
		&auth.User{}, &auth.Workspace{},
		&refreshtoken.RefreshToken{}, &oidc.OAuthAccount{},
		&twofa.Config{}, &twofa.Challenge{}, &twofa.Credential{},
	)
	cfg := testutils.GetTestConfig()
	sender := &testutils.MockSender{}

	users := auth.NewService(cfg, db, nil)
	jwtService := jwt.NewService(cfg, nil)
	refresh := refreshtoken.NewService(db, cfg, nil)
	twofaService := twofa.NewService(cfg, db, sender, nil)
	oidcService := oidc.NewService(cfg, db, users, nil)
	states := oauthstate.NewCodec(cfg, jwtService, nil)

	handler := NewHandler(cfg, users, jwtService, refresh, twofaService, oidcService, states, sender, nil)

	e := echo.New()
	handler.RegisterRoutes(e)

	return &testEnv{echo: e, db: db, cfg: cfg, users: users, twofa: twofaService, sender: sender}
}

func (env *testEnv) seedUser(t *testing.T, username, password string) *auth.User {
	hash, err := env.users.HashPassword(password)
	require.NoError(t, err)
	now := time.Now()
	user := &auth.User{
		Username:        username,
		Email:           username + "@example.com",
		EmailVerifiedAt: &now,
		PasswordHash:    hash,
		Role:            "admin",
		CreatedAt:       now,
	}
	require.NoError(t, env.db.Create(user).Error)

	workspace := &auth.Workspace{
		Name:        "ws_" + username,
		DisplayName: "Personal",
		OwnerID:     user.ID,
		CreatedAt:   now,
	}
	require.NoError(t, env.db.Create(workspace).Error)
	require.NoError(t, env.db.Model(user).Association("Workspaces").Append(workspace))

	return user
}

func (env *testEnv) request(t *testing.T, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)

	var envelope map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	}
	return rec, envelope
}

func data(t *testing.T, envelope map[string]any) map[string]any {
	d, ok := envelope["data"].(map[string]any)
	require.True(t, ok, "expected data envelope, got %v", envelope)
	return d
}

func refreshCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func TestLogin(t *testing.T) {
	t.Run("success returns tokens and workspaces", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedUser(t, "alice", "Password123")

		rec, envelope := env.request(t, http.MethodPost, "/api/v2/auth/login",
			`{"username":"alice","password":"Password123"}`, nil)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, envelope["success"])

		d := data(t, envelope)
		assert.NotEmpty(t, d["access_token"])
		assert.NotEmpty(t, d["refresh_token"])
		assert.Equal(t, "Bearer", d["token_type"])

		databases, ok := d["databases"].([]any)
		require.True(t, ok)
		require.Len(t, databases, 1)

		cookie := refreshCookie(rec, env.cfg.RefreshToken.CookieName)
		require.NotNil(t, cookie)
		assert.Equal(t, d["refresh_token"], cookie.Value)
		assert.True(t, cookie.HttpOnly)
		assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
		assert.Equal(t, "/api/v2/auth", cookie.Path)
		assert.False(t, cookie.Secure)
	})

	t.Run("wrong password and unknown user are indistinguishable", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedUser(t, "alice", "Password123")

		recWrong, envWrong := env.request(t, http.MethodPost, "/api/v2/auth/login",
			`{"username":"alice","password":"Nope12345"}`, nil)
		recUnknown, envUnknown := env.request(t, http.MethodPost, "/api/v2/auth/login",
			`{"username":"ghost","password":"Password123"}`, nil)

		assert.Equal(t, http.StatusUnauthorized, recWrong.Code)
		assert.Equal(t, http.StatusUnauthorized, recUnknown.Code)
		assert.Equal(t, envWrong["error"], envUnknown["error"])
	})

	t.Run("forced password change gates token issuance", func(t *testing.T) {
		env := newTestEnv(t)
		user := env.seedUser(t, "bob", "OldPassword1")
		require.NoError(t, env.db.Model(user).Update("password_change_required", true).Error)

		rec, envelope := env.request(t, http.MethodPost, "/api/v2/auth/login",
			`{"username":"bob","password":"OldPassword1"}`, nil)

		require.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, false, envelope["success"])
		assert.Equal(t, true, envelope["password_change_required"])
		changeToken, _ := envelope["change_token"].(string)
		require.NotEmpty(t, changeToken)
		assert.Nil(t, envelope["data"])

		t.Run("change-password completes and issues tokens", func(t *testing.T) {
			rec, envelope := env.request(t, http.MethodPost, "/api/v2/auth/change-password",
				`{"change_token":"`+changeToken+`","new_password":"NewPassword1"}`, nil)

			require.Equal(t, http.StatusOK, rec.Code)
			d := data(t, envelope)
			assert.NotEmpty(t, d["access_token"])

			rec, _ = env.request(t, http.MethodPost, "/api/v2/auth/login",
				`{"username":"bob","password":"NewPassword1"}`, nil)
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	})
}

func TestRefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "Password123")

	_, envelope := env.request(t, http.MethodPost, "/api/v2/auth/login",
		`{"username":"alice","password":"Password123"}`, nil)
	first := data(t, envelope)["refresh_token"].(string)

	t.Run("rotation issues a fresh pair", func(t *testing.T) {
		rec, envelope := env.request(t, http.MethodPost, "/api/v2/auth/refresh",
			`{"refresh_token":"`+first+`"}`, nil)

		require.Equal(t, http.StatusOK, rec.Code)
		d := data(t, envelope)
		assert.NotEmpty(t, d["access_token"])
		assert.NotEqual(t, first, d["refresh_token"])
	})

	t.Run("replaying the rotated token fails", func(t *testing.T) {
		rec, envelope := env.request(t, http.MethodPost, "/api/v2/auth/refresh",
			`{"refresh_token":"`+first+`"}`, nil)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, false, envelope["success"])
	})

	t.Run("cookie transport works when the body omits the token", func(t *testing.T) {
		_, envelope := env.request(t, http.MethodPost, "/api/v2/auth/login",
			`{"username":"alice","password":"Password123"}`, nil)
		token := data(t, envelope)["refresh_token"].(string)

		req := httptest.NewRequest(http.MethodPost, "/api/v2/auth/refresh", strings.NewReader(`{}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.AddCookie(&http.Cookie{Name: env.cfg.RefreshToken.CookieName, Value: token})
		rec := httptest.NewRecorder()
		env.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "Password123")

	_, envelope := env.request(t, http.MethodPost, "/api/v2/auth/login",
		`{"username":"alice","password":"Password123"}`, nil)
	d := data(t, envelope)
	refreshToken := d["refresh_token"].(string)
	accessToken := d["access_token"].(string)

	t.Run("logout revokes the refresh token and clears the cookie", func(t *testing.T) {
		rec, _ := env.request(t, http.MethodPost, "/api/v2/auth/logout",
			`{"refresh_token":"`+refreshToken+`"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		cookie := refreshCookie(rec, env.cfg.RefreshToken.CookieName)
		require.NotNil(t, cookie)
		assert.Empty(t, cookie.Value)

		rec, _ = env.request(t, http.MethodPost, "/api/v2/auth/refresh",
			`{"refresh_token":"`+refreshToken+`"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("logout-all requires a bearer token and revokes everything", func(t *testing.T) {
		_, envelope := env.request(t, http.MethodPost, "/api/v2/auth/login",
			`{"username":"alice","password":"Password123"}`, nil)
		other := data(t, envelope)["refresh_token"].(string)

		rec, _ := env.request(t, http.MethodPost, "/api/v2/auth/logout-all", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec, _ = env.request(t, http.MethodPost, "/api/v2/auth/logout-all", "",
			map[string]string{"Authorization": "Bearer " + accessToken})
		require.Equal(t, http.StatusOK, rec.Code)

		rec, _ = env.request(t, http.MethodPost, "/api/v2/auth/refresh",
			`{"refresh_token":"`+other+`"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestTwoFALogin(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "alice", "Password123")
	require.NoError(t, env.db.Create(&twofa.Config{UserID: user.ID, EmailOTPEnabled: true}).Error)
	recoveryCodes, err := env.twofa.GenerateRecoveryCodes(user.ID)
	require.NoError(t, err)

	login := func(t *testing.T) (string, []any) {
		rec, envelope := env.request(t, http.MethodPost, "/api/v2/auth/login",
			`{"username":"alice","password":"Password123"}`, nil)
		require.Equal(t, http.StatusForbidden, rec.Code)
		require.Equal(t, true, envelope["twofa_required"])

		token, _ := envelope["twofa_session_token"].(string)
		require.NotEmpty(t, token)
		methods, _ := envelope["twofa_methods"].([]any)
		return token, methods
	}

	t.Run("login returns a challenge gate, not tokens", func(t *testing.T) {
		_, methods := login(t)
		assert.Contains(t, methods, "email_otp")
		assert.Contains(t, methods, "recovery")
	})

	t.Run("email otp round trip issues final tokens", func(t *testing.T) {
		session, _ := login(t)

		var sentCode string
		env.sender.On("SendTwoFACode", user.Email, user.Username, mock.AnythingOfType("string")).
			Run(func(args mock.Arguments) { sentCode = args.String(2) }).
			Return(nil).Once()

		rec, _ := env.request(t, http.MethodPost, "/api/v2/auth/2fa/challenge",
			`{"session_token":"`+session+`","method":"email_otp"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotEmpty(t, sentCode)

		rec, envelope := env.request(t, http.MethodPost, "/api/v2/auth/2fa/verify",
			`{"session_token":"`+session+`","method":"email_otp","code":"`+sentCode+`"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		d := data(t, envelope)
		assert.NotEmpty(t, d["access_token"])
		assert.NotEmpty(t, d["refresh_token"])
	})

	t.Run("recovery code verifies once and only once", func(t *testing.T) {
		session, _ := login(t)
		code := recoveryCodes[0]

		rec, envelope := env.request(t, http.MethodPost, "/api/v2/auth/2fa/verify",
			`{"session_token":"`+session+`","method":"recovery","code":"`+code+`"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, data(t, envelope)["access_token"])

		// Same session is consumed; a fresh session with the same code
		// must also fail because the code is burned.
		rec, _ = env.request(t, http.MethodPost, "/api/v2/auth/2fa/verify",
			`{"session_token":"`+session+`","method":"recovery","code":"`+code+`"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		session2, _ := login(t)
		rec, _ = env.request(t, http.MethodPost, "/api/v2/auth/2fa/verify",
			`{"session_token":"`+session2+`","method":"recovery","code":"`+code+`"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("attempt budget locks the session", func(t *testing.T) {
		session, _ := login(t)

		for i := 0; i < 5; i++ {
			rec, _ := env.request(t, http.MethodPost, "/api/v2/auth/2fa/verify",
				`{"session_token":"`+session+`","method":"recovery","code":"00000000"}`, nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		}

		rec, _ := env.request(t, http.MethodPost, "/api/v2/auth/2fa/verify",
			`{"session_token":"`+session+`","method":"recovery","code":"`+recoveryCodes[1]+`"}`, nil)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("bogus session token", func(t *testing.T) {
		rec, _ := env.request(t, http.MethodPost, "/api/v2/auth/2fa/verify",
			`{"session_token":"bogus","method":"recovery","code":"00000000"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestTwoFAManagement(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "Password123")

	_, envelope := env.request(t, http.MethodPost, "/api/v2/auth/login",
		`{"username":"alice","password":"Password123"}`, nil)
	accessToken := data(t, envelope)["access_token"].(string)
	authHeader := map[string]string{"Authorization": "Bearer " + accessToken}

	t.Run("status starts disabled", func(t *testing.T) {
		rec, envelope := env.request(t, http.MethodGet, "/api/v2/auth/2fa/status", "", authHeader)
		require.Equal(t, http.StatusOK, rec.Code)
		d := data(t, envelope)
		assert.Equal(t, false, d["enabled"])
	})

	t.Run("email setup enables 2FA and returns recovery codes", func(t *testing.T) {
		var sentCode string
		env.sender.On("SendTwoFACode", "alice@example.com", "alice", mock.AnythingOfType("string")).
			Run(func(args mock.Arguments) { sentCode = args.String(2) }).
			Return(nil).Once()

		rec, envelope := env.request(t, http.MethodPost, "/api/v2/auth/2fa/setup/email", "", authHeader)
		require.Equal(t, http.StatusOK, rec.Code)
		setupToken := data(t, envelope)["setup_token"].(string)

		rec, envelope = env.request(t, http.MethodPost, "/api/v2/auth/2fa/setup/email/confirm",
			`{"setup_token":"`+setupToken+`","code":"`+sentCode+`"}`, authHeader)
		require.Equal(t, http.StatusOK, rec.Code)

		codes, ok := data(t, envelope)["recovery_codes"].([]any)
		require.True(t, ok)
		assert.Len(t, codes, 10)

		rec, envelope = env.request(t, http.MethodGet, "/api/v2/auth/2fa/status", "", authHeader)
		require.Equal(t, http.StatusOK, rec.Code)
		d := data(t, envelope)
		assert.Equal(t, true, d["enabled"])
		assert.Equal(t, true, d["email_otp_enabled"])
		assert.Equal(t, float64(10), d["recovery_codes_remaining"])
	})

	t.Run("regenerating recovery codes returns a fresh set", func(t *testing.T) {
		rec, envelope := env.request(t, http.MethodPost, "/api/v2/auth/2fa/recovery-codes", "", authHeader)
		require.Equal(t, http.StatusOK, rec.Code)
		codes, ok := data(t, envelope)["recovery_codes"].([]any)
		require.True(t, ok)
		assert.Len(t, codes, 10)
	})

	t.Run("disable requires the password", func(t *testing.T) {
		rec, _ := env.request(t, http.MethodPost, "/api/v2/auth/2fa/disable",
			`{"password":"WrongPassword1"}`, authHeader)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec, _ = env.request(t, http.MethodPost, "/api/v2/auth/2fa/disable",
			`{"password":"Password123"}`, authHeader)
		require.Equal(t, http.StatusOK, rec.Code)

		rec, envelope := env.request(t, http.MethodGet, "/api/v2/auth/2fa/status", "", authHeader)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, data(t, envelope)["enabled"])
	})
}

func TestTwoFAChallengeTypePinning(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "Password123")

	_, envelope := env.request(t, http.MethodPost, "/api/v2/auth/login",
		`{"username":"alice","password":"Password123"}`, nil)
	accessToken := data(t, envelope)["access_token"].(string)
	authHeader := map[string]string{"Authorization": "Bearer " + accessToken}

	var sentCode string
	env.sender.On("SendTwoFACode", "alice@example.com", "alice", mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) { sentCode = args.String(2) }).
		Return(nil).Once()

	rec, envelope := env.request(t, http.MethodPost, "/api/v2/auth/2fa/setup/email", "", authHeader)
	require.Equal(t, http.StatusOK, rec.Code)
	setupToken := data(t, envelope)["setup_token"].(string)
	require.NotEmpty(t, sentCode)

	// A setup session carries a valid code, but it grants no login tokens.
	rec, envelope = env.request(t, http.MethodPost, "/api/v2/auth/2fa/verify",
		`{"session_token":"`+setupToken+`","method":"email_otp","code":"`+sentCode+`"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, envelope["success"])
	assert.Nil(t, envelope["data"])

	// The session still confirms setup through its own endpoint.
	rec, _ = env.request(t, http.MethodPost, "/api/v2/auth/2fa/setup/email/confirm",
		`{"setup_token":"`+setupToken+`","code":"`+sentCode+`"}`, authHeader)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPasswordReset(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "Password123")

	_, envelope := env.request(t, http.MethodPost, "/api/v2/auth/login",
		`{"username":"alice","password":"Password123"}`, nil)
	refreshToken := data(t, envelope)["refresh_token"].(string)

	var resetToken string
	env.sender.On("SendPasswordReset", "alice@example.com", "alice", mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) { resetToken = args.String(2) }).
		Return(nil).Once()

	t.Run("known and unknown addresses are indistinguishable", func(t *testing.T) {
		recKnown, envKnown := env.request(t, http.MethodPost, "/api/v2/auth/forgot-password",
			`{"email":"alice@example.com"}`, nil)
		recUnknown, envUnknown := env.request(t, http.MethodPost, "/api/v2/auth/forgot-password",
			`{"email":"ghost@example.com"}`, nil)

		require.Equal(t, http.StatusOK, recKnown.Code)
		require.Equal(t, http.StatusOK, recUnknown.Code)
		assert.Equal(t, envKnown, envUnknown)
		require.NotEmpty(t, resetToken)
	})

	t.Run("redeeming the token sets the password and signs out everywhere", func(t *testing.T) {
		rec, _ := env.request(t, http.MethodPost, "/api/v2/auth/reset-password",
			`{"token":"`+resetToken+`","new_password":"NewPassword1"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec, _ = env.request(t, http.MethodPost, "/api/v2/auth/refresh",
			`{"refresh_token":"`+refreshToken+`"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec, _ = env.request(t, http.MethodPost, "/api/v2/auth/login",
			`{"username":"alice","password":"NewPassword1"}`, nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec, _ = env.request(t, http.MethodPost, "/api/v2/auth/reset-password",
			`{"token":"`+resetToken+`","new_password":"AnotherPass1"}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		rec, _ := env.request(t, http.MethodPost, "/api/v2/auth/reset-password",
			`{"token":"never-issued","new_password":"NewPassword1"}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestEmailVerification(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "carol", "Password123")
	require.NoError(t, env.db.Model(user).Update("email_verified_at", nil).Error)

	var verifyToken string
	env.sender.On("SendEmailVerification", "carol@example.com", "carol", mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) { verifyToken = args.String(2) }).
		Return(nil).Once()

	t.Run("resend answers the same for unverified and unknown addresses", func(t *testing.T) {
		rec, envelope := env.request(t, http.MethodPost, "/api/v2/auth/resend-verification",
			`{"email":"carol@example.com"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotEmpty(t, verifyToken)

		_, envUnknown := env.request(t, http.MethodPost, "/api/v2/auth/resend-verification",
			`{"email":"ghost@example.com"}`, nil)
		assert.Equal(t, data(t, envelope)["message"], data(t, envUnknown)["message"])
	})

	t.Run("verify stamps the address and burns the token", func(t *testing.T) {
		rec, _ := env.request(t, http.MethodPost, "/api/v2/auth/verify-email",
			`{"token":"`+verifyToken+`"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var row auth.User
		require.NoError(t, env.db.First(&row, user.ID).Error)
		assert.True(t, row.IsEmailVerified())

		rec, _ = env.request(t, http.MethodPost, "/api/v2/auth/verify-email",
			`{"token":"`+verifyToken+`"}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("verified addresses get the generic answer without mail", func(t *testing.T) {
		rec, envelope := env.request(t, http.MethodPost, "/api/v2/auth/resend-verification",
			`{"email":"carol@example.com"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, data(t, envelope)["message"])
		env.sender.AssertNumberOfCalls(t, "SendEmailVerification", 1)
	})
}

func TestAdminSessionRevocation(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "Password123")
	target := env.seedUser(t, "victor", "Password123")
	require.NoError(t, env.db.Model(target).Update("role", "user").Error)

	_, envelope := env.request(t, http.MethodPost, "/api/v2/auth/login",
		`{"username":"alice","password":"Password123"}`, nil)
	adminHeader := map[string]string{"Authorization": "Bearer " + data(t, envelope)["access_token"].(string)}

	_, envelope = env.request(t, http.MethodPost, "/api/v2/auth/login",
		`{"username":"victor","password":"Password123"}`, nil)
	targetData := data(t, envelope)
	targetHeader := map[string]string{"Authorization": "Bearer " + targetData["access_token"].(string)}
	targetRefresh := targetData["refresh_token"].(string)

	path := "/api/v2/auth/admin/users/" + strconv.FormatUint(uint64(target.ID), 10) + "/logout"

	t.Run("requires the admin role", func(t *testing.T) {
		rec, _ := env.request(t, http.MethodPost, path, "", targetHeader)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		rec, _ := env.request(t, http.MethodPost, "/api/v2/auth/admin/users/99999/logout", "", adminHeader)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("revokes every session of the target", func(t *testing.T) {
		rec, _ := env.request(t, http.MethodPost, path, "", adminHeader)
		require.Equal(t, http.StatusOK, rec.Code)

		rec, _ = env.request(t, http.MethodPost, "/api/v2/auth/refresh",
			`{"refresh_token":"`+targetRefresh+`"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestOAuthEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.OAuth.GoogleClientID = "google-client"

	t.Run("providers lists configured providers", func(t *testing.T) {
		rec, envelope := env.request(t, http.MethodGet, "/api/v2/auth/oauth/providers", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		providers, ok := data(t, envelope)["providers"].([]any)
		require.True(t, ok)
		require.Len(t, providers, 1)
		entry := providers[0].(map[string]any)
		assert.Equal(t, "google", entry["id"])
	})

	t.Run("authorize for unknown provider", func(t *testing.T) {
		rec, _ := env.request(t, http.MethodGet, "/api/v2/auth/oauth/github/authorize", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("link flow requires authentication", func(t *testing.T) {
		rec, _ := env.request(t, http.MethodGet, "/api/v2/auth/oauth/google/authorize?flow=link", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("callback with garbage state", func(t *testing.T) {
		rec, _ := env.request(t, http.MethodPost, "/api/v2/auth/oauth/google/callback",
			`{"code":"abc","state":"garbage"}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
