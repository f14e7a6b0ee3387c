// Package payment принимает асинхронные уведомления платёжной системы и передаёт
// подтверждённые оплаты в жизненный цикл заказа.
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/mmeshcher/metroshop/internal/model"
)

// SignatureHeader содержит подпись тела уведомления.
const SignatureHeader = "X-Signature"

// Verifier проверяет HMAC-SHA256 подпись тела уведомления общим секретом.
type Verifier struct {
	secret []byte
}

// NewVerifier создаёт Verifier с общим секретом платёжной системы.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Sign возвращает подпись payload в hex.
func (v *Verifier) Sign(payload []byte) string {
	return hex.EncodeToString(v.mac(payload))
}

// Verify сравнивает подпись с ожидаемой за постоянное время. Подпись принимается в hex или base64.
func (v *Verifier) Verify(payload []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if len(v.secret) == 0 || signature == "" {
		return model.ErrSignatureInvalid
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		got, err = base64.StdEncoding.DecodeString(signature)
		if err != nil {
			return model.ErrSignatureInvalid
		}
	}

	if !hmac.Equal(got, v.mac(payload)) {
		return model.ErrSignatureInvalid
	}
	return nil
}

func (v *Verifier) mac(payload []byte) []byte {
	m := hmac.New(sha256.New, v.secret)
	m.Write(payload)
	return m.Sum(nil)
}
