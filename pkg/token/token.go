package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const sigLen = 16

type envelope[T any] struct {
	Data T     `json:"d"`
	Exp  int64 `json:"e,omitempty"`
}

// Sign encodes payload with an expiry. A zero exp never expires.
func Sign[T any](payload T, secret string, exp time.Time) (string, error) {
	env := envelope[T]{Data: payload}
	if !exp.IsZero() {
		env.Exp = exp.Unix()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data) + "." +
		base64.RawURLEncoding.EncodeToString(sign(data, secret)), nil
}

// Verify checks the signature and expiry and decodes the payload.
func Verify[T any](tok, secret string, now time.Time) (T, error) {
	var zero T
	encData, encSig, ok := strings.Cut(tok, ".")
	if !ok || encData == "" || encSig == "" {
		return zero, ErrInvalidToken
	}
	data, err := base64.RawURLEncoding.DecodeString(encData)
	if err != nil {
		return zero, errors.Join(ErrInvalidToken, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return zero, errors.Join(ErrInvalidToken, err)
	}
	if subtle.ConstantTimeCompare(sig, sign(data, secret)) != 1 {
		return zero, ErrSignatureInvalid
	}

	var env envelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		return zero, errors.Join(ErrInvalidToken, err)
	}
	if env.Exp != 0 && now.Unix() > env.Exp {
		return zero, ErrExpired
	}
	return env.Data, nil
}

func sign(data []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return h.Sum(nil)[:sigLen]
}
