// Package authfn provides ready-made credential vetting functions for
// WebSocket channels.
package authfn

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"

	"github.com/wsbridge/wsbridge/internal/wsx"
)

// bcrypt cost for newly hashed secrets.
const hashCost = 12

// Static vets credentials against a fixed username and bcrypt hash.
func Static(username, secretHash string) wsx.AuthFunc {
	return func(_ string, _ string, creds wsx.Credentials, _ string, _ string, _ map[string]string, _ map[string]string) bool {
		userOK := subtle.ConstantTimeCompare([]byte(creds.Username), []byte(username)) == 1
		secretOK := bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(creds.Secret)) == nil
		return userOK && secretOK
	}
}

// Plain vets credentials against a fixed username and plaintext secret.
// Only for test setups; production channels should carry a hash.
func Plain(username, secret string) wsx.AuthFunc {
	return func(_ string, _ string, creds wsx.Credentials, _ string, _ string, _ map[string]string, _ map[string]string) bool {
		userOK := subtle.ConstantTimeCompare([]byte(creds.Username), []byte(username)) == 1
		secretOK := subtle.ConstantTimeCompare([]byte(creds.Secret), []byte(secret)) == 1
		return userOK && secretOK
	}
}

// HashPassword produces a bcrypt hash suitable for Static.
func HashPassword(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), hashCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
