package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestFactoryReturnsSingletons(t *testing.T) {
	f := NewFactory(&gorm.DB{})

	first := f.GetRepositories()
	assert.Same(t, first, f.GetRepositories())
	assert.NotNil(t, f.GetBotRepository())
	assert.NotNil(t, f.GetBotUserRepository())
	assert.NotNil(t, f.GetWebhookEventRepository())
	assert.NotNil(t, f.GetPaymentRepository())
	assert.NotNil(t, f.GetAccessRepository())
	assert.NotNil(t, f.GetMessageLogRepository())
}
