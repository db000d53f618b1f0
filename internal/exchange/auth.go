package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"spotbot/internal/config"
)

// Auth signs venue requests with the API key triplet. Every authenticated
// REST request carries four headers: key, passphrase, a unix timestamp,
// and an HMAC-SHA256 signature of "timestamp + method + path + body"
// keyed by the API secret. The user WebSocket channel authenticates the
// same way over the subscription message.
type Auth struct {
	key        string
	secret     []byte
	passphrase string
}

// NewAuth creates an auth provider from config.
func NewAuth(cfg config.APIConfig) *Auth {
	return &Auth{
		key:        cfg.Key,
		secret:     []byte(cfg.Secret),
		passphrase: cfg.Passphrase,
	}
}

// HasCredentials reports whether a key and secret are configured.
// Paper-trading sessions may run without them.
func (a *Auth) HasCredentials() bool {
	return a.key != "" && len(a.secret) > 0
}

// RESTHeaders returns the signed header set for one request.
func (a *Auth) RESTHeaders(method, path, body string) map[string]string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return map[string]string{
		"CB-ACCESS-KEY":        a.key,
		"CB-ACCESS-PASSPHRASE": a.passphrase,
		"CB-ACCESS-TIMESTAMP":  ts,
		"CB-ACCESS-SIGN":       a.sign(ts + method + path + body),
	}
}

// WSAuthFields returns the signed fields embedded in a user-channel
// subscription message.
func (a *Auth) WSAuthFields(channel string, productIDs []string) map[string]string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	payload := ts + channel
	for _, id := range productIDs {
		payload += id
	}
	return map[string]string{
		"api_key":   a.key,
		"timestamp": ts,
		"signature": a.sign(payload),
	}
}

func (a *Auth) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secret)
	fmt.Fprint(mac, payload)
	return hex.EncodeToString(mac.Sum(nil))
}
