package app

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portal28/academy/internal/config"
	"github.com/portal28/academy/internal/domain"
	"github.com/portal28/academy/internal/mailing"
	"github.com/portal28/academy/internal/repository/postgres"
)

func TestNewMailer(t *testing.T) {
	ctx := context.Background()

	m, err := NewMailer(ctx, config.MailConfig{})
	require.NoError(t, err)
	assert.IsType(t, &mailing.LogMailer{}, m)

	m, err = NewMailer(ctx, config.MailConfig{Provider: "Resend", Resend: config.ResendConfig{APIKey: "re_test"}})
	require.NoError(t, err)
	assert.IsType(t, &mailing.ResendMailer{}, m)

	_, err = NewMailer(ctx, config.MailConfig{Provider: "resend"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = NewMailer(ctx, config.MailConfig{Provider: "carrier-pigeon"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestNewNotifiers(t *testing.T) {
	n := NewNotifiers(config.NotifyConfig{})
	assert.Contains(t, n, domain.AutomationWebhook)
	assert.NotContains(t, n, domain.AutomationMetaAudience)

	n = NewNotifiers(config.NotifyConfig{MetaAccessToken: "token"})
	assert.Contains(t, n, domain.AutomationMetaAudience)
}

func TestNewRequiresDatabaseURL(t *testing.T) {
	_, err := New(context.Background(), &config.Config{})
	assert.Error(t, err)
}

func TestWireBuildsServices(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a := &App{Config: &config.Config{}, DB: db}
	a.wire(db, postgres.NewFeatureRepo(db), mailing.NewLogMailer())

	assert.NotNil(t, a.Segments)
	assert.NotNil(t, a.Manager)
	assert.NotNil(t, a.Scheduler)
	assert.NotNil(t, a.Bridge)
}
