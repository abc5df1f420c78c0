package service

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/payoutd/internal/model"
)

var (
	// ErrGatewayInitiation объединяет ошибки создания пакета выплаты на шлюзе.
	ErrGatewayInitiation = errors.New("gateway initiation failed")
	// ErrPayoutDenied сообщает, что шлюз окончательно отклонил пакет.
	ErrPayoutDenied = errors.New("payout denied by gateway")
	// ErrBalanceNotFound сообщает, что у владельца нет записи баланса на момент сверки.
	ErrBalanceNotFound = errors.New("owner balance not found")
	// ErrPollTimeout сообщает, что лимит опроса шлюза исчерпан.
	ErrPollTimeout = errors.New("gateway polling limit exceeded")
	// ErrUnrecognizedStatus сообщает о статусе шлюза вне списка известных.
	ErrUnrecognizedStatus = errors.New("unrecognized gateway status")
	// ErrAlreadyInFlight возвращается при повторном захвате выполняющегося запроса.
	ErrAlreadyInFlight = errors.New("payout request already in flight")
	// ErrTerminalRequest возвращается при попытке изменить запрос в конечном статусе.
	ErrTerminalRequest = errors.New("payout request already in terminal status")
	// ErrInvalidRequest возвращается, если запрос не проходит проверку перед захватом.
	ErrInvalidRequest = errors.New("invalid payout request")
	// ErrPaidMarkPending сообщает, что баланс списан, а отметка об оплате не записана.
	// Запрос остаётся в статусе DEBITED, повторная сверка только ставит отметку.
	ErrPaidMarkPending = errors.New("balance debited, paid mark pending")
	// ErrInitiationUnconfirmed сообщает, что результат создания пакета на шлюзе неизвестен.
	// Запрос остаётся в статусе REQUESTED и может быть захвачен повторно.
	ErrInitiationUnconfirmed = errors.New("gateway initiation outcome unknown")
	// ErrNotResumable возвращается, если для запроса нельзя возобновить опрос.
	ErrNotResumable = errors.New("payout request cannot be resumed")
)

// GatewayInitiationError описывает отказ или некорректный ответ шлюза при создании пакета.
type GatewayInitiationError struct {
	RequestID string
	Err       error
}

func (e *GatewayInitiationError) Error() string {
	return fmt.Sprintf("initiate payout %s: %v", e.RequestID, e.Err)
}

func (e *GatewayInitiationError) Unwrap() []error { return []error{ErrGatewayInitiation, e.Err} }

// PayoutDeniedError описывает окончательный отказ шлюза по пакету.
type PayoutDeniedError struct {
	RequestID string
	BatchID   string
	Status    model.BatchStatus
}

func (e *PayoutDeniedError) Error() string {
	return fmt.Sprintf("payout %s batch %s ended with status %s", e.RequestID, e.BatchID, e.Status)
}

func (e *PayoutDeniedError) Unwrap() error { return ErrPayoutDenied }

// BalanceNotFoundError описывает отсутствие баланса владельца при сверке.
// Запрос остаётся в статусе CAPTURING для ручного разбора.
type BalanceNotFoundError struct {
	RequestID string
	OwnerID   string
}

func (e *BalanceNotFoundError) Error() string {
	return fmt.Sprintf("reconcile payout %s: no balance for owner %s", e.RequestID, e.OwnerID)
}

func (e *BalanceNotFoundError) Unwrap() error { return ErrBalanceNotFound }

// BalanceMismatch описывает расхождение баланса после записи. Это аномалия, а не ошибка:
// она только сообщается оператору.
type BalanceMismatch struct {
	OwnerID  string
	Expected decimal.Decimal
	Actual   decimal.Decimal
	Missing  bool
}

func (m BalanceMismatch) String() string {
	if m.Missing {
		return fmt.Sprintf("owner %s: balance record missing, expected total_paid %s", m.OwnerID, m.Expected)
	}
	return fmt.Sprintf("owner %s: total_paid %s, expected %s", m.OwnerID, m.Actual, m.Expected)
}
