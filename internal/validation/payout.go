// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"net/mail"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

var (
	// ErrNonPositiveAmount возвращается, если сумма выплаты не положительна.
	ErrNonPositiveAmount = errors.New("payout amount must be positive")
	// ErrFractionalCents возвращается, если сумма точнее одной сотой.
	ErrFractionalCents = errors.New("payout amount must have at most two decimal places")
	// ErrInvalidDestination возвращается для пустого или некорректного получателя.
	ErrInvalidDestination = errors.New("invalid payout destination")
)

// IsValidDestination проверяет реквизит получателя: адрес электронной почты
// или идентификатор счёта из букв, цифр и символов -_.
func IsValidDestination(destination string) bool {
	if destination == "" || strings.TrimSpace(destination) != destination {
		return false
	}

	if strings.Contains(destination, "@") {
		addr, err := mail.ParseAddress(destination)
		return err == nil && addr.Address == destination
	}

	for _, ch := range destination {
		if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) && ch != '-' && ch != '_' && ch != '.' {
			return false
		}
	}
	return true
}

// ValidatePayout проверяет сумму и получателя перед созданием выплаты.
func ValidatePayout(amount decimal.Decimal, destination string) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if !amount.Equal(amount.Round(2)) {
		return ErrFractionalCents
	}
	if !IsValidDestination(destination) {
		return ErrInvalidDestination
	}
	return nil
}
