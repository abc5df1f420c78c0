// Package model содержит доменные сущности сервиса выплат.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RequestStatus описывает этап жизненного цикла запроса на выплату.
type RequestStatus string

const (
	RequestStatusRequested RequestStatus = "REQUESTED"
	RequestStatusCapturing RequestStatus = "CAPTURING"
	RequestStatusTimedOut  RequestStatus = "TIMED_OUT"
	RequestStatusDebited   RequestStatus = "DEBITED"
	RequestStatusPaid      RequestStatus = "PAID"
	RequestStatusFailed    RequestStatus = "FAILED"
)

// Terminal сообщает, что из статуса нет дальнейших переходов.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusPaid || s == RequestStatusFailed
}

// PayoutRequest описывает запрос владельца на выплату средств.
type PayoutRequest struct {
	ID          string
	OwnerID     string
	Amount      decimal.Decimal
	Destination string
	Status      RequestStatus
	BatchID     string
	PaymentDate *time.Time
	CreatedAt   time.Time
}

// PayoutRequestUpdate содержит изменяемые поля запроса на выплату.
// Пустые поля не изменяются.
type PayoutRequestUpdate struct {
	Status      RequestStatus
	BatchID     string
	PaymentDate *time.Time
}

// OwnerBalance содержит текущий баланс владельца и сумму всех выплат.
type OwnerBalance struct {
	OwnerID        string          `json:"owner_id"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	TotalPaid      decimal.Decimal `json:"total_paid"`
}

// BalanceUpdate содержит новые значения баланса владельца.
type BalanceUpdate struct {
	CurrentBalance decimal.Decimal
	TotalPaid      decimal.Decimal
}

// PayoutNotification сигнализирует о новом запросе на выплату.
// Служит только поводом перечитать данные и не используется в расчётах баланса.
type PayoutNotification struct {
	ID          string          `json:"id"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// BatchStatus описывает статус пакета выплат на стороне платёжного шлюза.
type BatchStatus string

const (
	BatchStatusCreated    BatchStatus = "CREATED"
	BatchStatusPending    BatchStatus = "PENDING"
	BatchStatusProcessing BatchStatus = "PROCESSING"
	BatchStatusSuccess    BatchStatus = "SUCCESS"
	BatchStatusDenied     BatchStatus = "DENIED"
	BatchStatusFailed     BatchStatus = "FAILED"
)

// OwnerDetails описывает данные владельца из внешнего справочника пользователей.
type OwnerDetails struct {
	ID        string `json:"_id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// OwnerProjection объединяет данные владельца для отображения оператору.
type OwnerProjection struct {
	OwnerID   string `json:"owner_id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Resolved  bool   `json:"resolved"`
}
