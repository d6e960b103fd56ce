package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
)

// WebhookSecretHeader carries the per-bot secret on pushed updates.
const WebhookSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

var ErrMissingSecret = errors.New("secret is required for webhook token derivation")

// WebhookSecret derives the token registered with the platform for one bot.
// The output only uses [0-9a-f], which the platform accepts.
func WebhookSecret(botID uint, secret string) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("bot-webhook:"))
	mac.Write([]byte(strconv.FormatUint(uint64(botID), 10)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyWebhookSecret compares a received token in constant time. An empty
// server secret disables verification.
func VerifyWebhookSecret(botID uint, got, secret string) bool {
	if secret == "" {
		return true
	}
	expected, err := WebhookSecret(botID, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(got), []byte(expected))
}
