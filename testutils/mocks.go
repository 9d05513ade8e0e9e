package testutils

import (
	"github.com/stretchr/testify/mock"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) SendTwoFACode(to, username, code string) error {
	args := m.Called(to, username, code)
	return args.Error(0)
}

func (m *MockSender) SendPasswordReset(to, username, token string) error {
	args := m.Called(to, username, token)
	return args.Error(0)
}

func (m *MockSender) SendEmailVerification(to, username, token string) error {
	args := m.Called(to, username, token)
	return args.Error(0)
}
