// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
)

const maxPromoCodeLen = 32

// NormalizePromoCode приводит промокод к верхнему регистру и проверяет его.
// Допустимы латинские буквы, цифры, '_' и '-', длина от 1 до 32 символов.
func NormalizePromoCode(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || len(code) > maxPromoCodeLen {
		return "", false
	}

	for i := 0; i < len(code); i++ {
		ch := code[i]
		switch {
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '_' || ch == '-':
		default:
			return "", false
		}
	}

	return code, true
}

// IsValidPrice проверяет, что цена в копейках положительна.
func IsValidPrice(price int64) bool {
	return price > 0
}
