package platform

import (
	"testing"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUpdateKinds(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"text", `{"update_id":1,"message":{"message_id":1,"from":{"id":7},"chat":{"id":7,"type":"private"},"text":"hello"}}`, models.EventTypeMessage},
		{"command", `{"update_id":2,"message":{"message_id":1,"from":{"id":7},"chat":{"id":7},"text":"/start","entities":[{"type":"bot_command","offset":0,"length":6}]}}`, models.EventTypeCommand},
		{"photo", `{"update_id":3,"message":{"message_id":1,"from":{"id":7},"chat":{"id":7},"photo":[{"file_id":"a","width":1,"height":1}]}}`, models.EventTypeMedia},
		{"document", `{"update_id":4,"message":{"message_id":1,"from":{"id":7},"chat":{"id":7},"document":{"file_id":"d","file_name":"x.pdf"}}}`, models.EventTypeMedia},
		{"callback", `{"update_id":5,"callback_query":{"id":"cb","from":{"id":7},"data":"next_step","message":{"message_id":9,"chat":{"id":70}}}}`, models.EventTypeCallbackQuery},
		{"pre checkout", `{"update_id":6,"pre_checkout_query":{"id":"pc","from":{"id":7},"currency":"USD","total_amount":100,"invoice_payload":"3"}}`, models.EventTypePreCheckout},
		{"payment", `{"update_id":7,"message":{"message_id":1,"from":{"id":7},"chat":{"id":7},"successful_payment":{"currency":"USD","total_amount":100,"invoice_payload":"3","telegram_payment_charge_id":"t","provider_payment_charge_id":"p"}}}`, models.EventTypePayment},
		{"web app", `{"update_id":8,"message":{"message_id":1,"from":{"id":7},"chat":{"id":7},"web_app_data":{"data":"{\"action\":\"progress\"}","button_text":"Open"}}}`, models.EventTypeWebAppData},
		{"edited", `{"update_id":9,"edited_message":{"message_id":1,"chat":{"id":7},"text":"x"}}`, models.EventTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ParseUpdate([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.Kind())
			require.NotNil(t, u.ExternalID())
		})
	}
}

func TestParseUpdateExtras(t *testing.T) {
	u, err := ParseUpdate([]byte(`{"message":{"message_id":1,"from":{"id":7,"first_name":"Ann"},"chat":{"id":70},"web_app_data":{"data":"x"}}}`))
	require.NoError(t, err)
	assert.Nil(t, u.ExternalID())
	require.NotNil(t, u.WebAppData)
	assert.Equal(t, "x", u.WebAppData.Data)
	assert.Equal(t, int64(70), u.ChatID())
	assert.Equal(t, "Ann", u.Sender().FirstName)

	cb, err := ParseUpdate([]byte(`{"update_id":0,"callback_query":{"id":"cb","from":{"id":7},"data":"x","message":{"message_id":9,"chat":{"id":70}}}}`))
	require.NoError(t, err)
	require.NotNil(t, cb.ExternalID())
	assert.Equal(t, int64(0), *cb.ExternalID())
	assert.Equal(t, int64(70), cb.ChatID())

	pc, err := ParseUpdate([]byte(`{"update_id":1,"pre_checkout_query":{"id":"pc","from":{"id":7}}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(7), pc.ChatID())
}

func TestParseUpdateRejectsGarbage(t *testing.T) {
	_, err := ParseUpdate([]byte(`not json`))
	assert.Error(t, err)
}
