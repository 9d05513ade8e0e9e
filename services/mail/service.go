package mail

import (
	"errors"
	"fmt"

	"github.com/billmanager/billmanager/config"
	"github.com/billmanager/billmanager/services/logging"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

var ErrMailDisabled = errors.New("mail delivery is not configured")

// Sender is the narrow contract the auth and 2FA flows consume; tests inject
// fakes.
type Sender interface {
	SendTwoFACode(to, username, code string) error
	SendPasswordReset(to, username, token string) error
	SendEmailVerification(to, username, token string) error
}

type Service struct {
	config *config.MailConfig
	client *mail.Client
	logger *logging.Service
}

func NewService(cfg *config.MailConfig, logger *logging.Service) (*Service, error) {
	if !cfg.Enabled {
		logger.Info("mail service disabled")
		return &Service{config: cfg, logger: logger}, nil
	}

	logger.Info("initializing mail service",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("encryption", cfg.Encryption),
		zap.String("from_address", cfg.FromAddress))

	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("MAIL_FROM_ADDRESS is required")
	}

	clientOpts := []mail.Option{
		mail.WithPort(cfg.Port),
	}

	if cfg.Username != "" {
		clientOpts = append(clientOpts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username))
	}
	if cfg.Password != "" {
		clientOpts = append(clientOpts, mail.WithPassword(cfg.Password))
	}

	switch cfg.Encryption {
	case "tls", "starttls":
		clientOpts = append(clientOpts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	case "ssl":
		clientOpts = append(clientOpts, mail.WithSSL())
	case "none":
		clientOpts = append(clientOpts, mail.WithTLSPortPolicy(mail.NoTLS))
	default:
		clientOpts = append(clientOpts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	}

	client, err := mail.NewClient(cfg.Host, clientOpts...)
	if err != nil {
		logger.Error("failed to create mail client",
			zap.Error(err), zap.String("host", cfg.Host))
		return nil, fmt.Errorf("failed to create mail client: %w", err)
	}

	logger.Info("mail service initialized")
	return &Service{
		config: cfg,
		client: client,
		logger: logger,
	}, nil
}

// SendTwoFACode delivers a verification code. Failures propagate to the
// caller: a user who never receives their code must see the request fail.
func (s *Service) SendTwoFACode(to, username, code string) error {
	subject := fmt.Sprintf("%s verification code", s.config.FromName)
	body := fmt.Sprintf(
		"Hi %s,\n\nYour verification code is: %s\n\nThis code expires in 10 minutes. If you did not request it, you can ignore this email.\n",
		username, code)
	return s.send(to, subject, body)
}

// SendPasswordReset delivers a reset token. The token is the credential, so
// the email states the short expiry window.
func (s *Service) SendPasswordReset(to, username, token string) error {
	subject := fmt.Sprintf("%s password reset", s.config.FromName)
	body := fmt.Sprintf(
		"Hi %s,\n\nYour password reset token is: %s\n\nIt expires in 1 hour. If you did not request a reset, you can ignore this email; your password is unchanged.\n",
		username, token)
	return s.send(to, subject, body)
}

// SendEmailVerification delivers an address verification token.
func (s *Service) SendEmailVerification(to, username, token string) error {
	subject := fmt.Sprintf("Verify your %s email address", s.config.FromName)
	body := fmt.Sprintf(
		"Hi %s,\n\nYour email verification token is: %s\n\nIt expires in 24 hours.\n",
		username, token)
	return s.send(to, subject, body)
}

func (s *Service) send(to, subject, body string) error {
	if s.client == nil {
		return ErrMailDisabled
	}

	msg := mail.NewMsg()
	if err := msg.FromFormat(s.config.FromName, s.config.FromAddress); err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	if err := s.client.DialAndSend(msg); err != nil {
		s.logger.Error("failed to send email",
			zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("email sent", zap.String("subject", subject))
	return nil
}
