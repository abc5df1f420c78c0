package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/payoutd/internal/model"
	"github.com/mmeshcher/payoutd/internal/repository"
)

// Settlement описывает результат сверки баланса по оплаченной выплате.
type Settlement struct {
	Before   model.OwnerBalance
	After    model.OwnerBalance
	PaidAt   time.Time
	Atomic   bool
	Mismatch *BalanceMismatch
	// Resumed означает, что баланс был списан ранее и сверка только поставила отметку об оплате.
	Resumed bool
}

// Reconcile отражает успешную выплату в балансе владельца и помечает запрос оплаченным.
//
// Шаги выполняются строго последовательно: свежее чтение баланса, списание суммы,
// отметка DEBITED, списание суммы, отметка об оплате, проверка записи. Статус DEBITED
// записывается до списания, поэтому повторная сверка такого запроса не списывает
// баланс второй раз, а только ставит отметку об оплате. Записи статусов повторяются
// с экспоненциальной задержкой. Если хранилище реализует Settler, списание и отметка
// выполняются одной транзакцией.
func (o *Orchestrator) Reconcile(ctx context.Context, req model.PayoutRequest) (*Settlement, error) {
	if status, terminal := o.terminalStatus(req); terminal {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalRequest, req.ID, status)
	}

	logger := o.logger.With(zap.String("request", req.ID), zap.String("owner", req.OwnerID))

	if o.serializeByOwner {
		unlock := o.ownerLocks.Lock(req.OwnerID)
		settlement, err := o.reconcile(ctx, req, logger)
		unlock()
		o.afterReconcile(ctx, logger)
		return settlement, err
	}

	settlement, err := o.reconcile(ctx, req, logger)
	o.afterReconcile(ctx, logger)
	return settlement, err
}

func (o *Orchestrator) reconcile(ctx context.Context, req model.PayoutRequest, logger *zap.Logger) (*Settlement, error) {
	current, err := o.ensureOpen(ctx, req.ID)
	if err != nil {
		o.finish(req.ID, model.RequestStatusCapturing)
		return nil, err
	}

	if current.Status == model.RequestStatusDebited {
		return o.completeDebited(ctx, req, logger)
	}

	var settlement *Settlement
	if settler, ok := o.balances.(Settler); ok {
		settlement, err = o.settleAtomically(ctx, settler, req)
	} else {
		settlement, err = o.settleSequentially(ctx, req, logger)
	}
	if err != nil {
		status := model.RequestStatusCapturing
		switch {
		case errors.Is(err, ErrTerminalRequest):
			status = o.currentStatus(req.ID, model.RequestStatusCapturing)
		case errors.Is(err, ErrPaidMarkPending):
			status = model.RequestStatusDebited
		}
		o.finish(req.ID, status)
		var notFound *BalanceNotFoundError
		if errors.As(err, &notFound) {
			logger.Error("balance not found, request left for manual follow-up", zap.Error(err))
		} else {
			logger.Error("reconcile error", zap.Error(err))
		}
		return settlement, err
	}

	o.finish(req.ID, model.RequestStatusPaid)
	if started := o.startedAt(req.ID); !started.IsZero() {
		o.metrics.observeSettle(o.now().Sub(started))
	}
	logger.Info("payout reconciled",
		zap.String("current_balance", settlement.After.CurrentBalance.String()),
		zap.String("total_paid", settlement.After.TotalPaid.String()),
	)

	mismatch, err := o.Verify(ctx, req.OwnerID, settlement.After.TotalPaid)
	if err != nil {
		logger.Warn("balance verification skipped", zap.Error(err))
	}
	settlement.Mismatch = mismatch

	return settlement, nil
}

// ensureOpen перечитывает запрос и отказывает, если он уже в конечном статусе.
func (o *Orchestrator) ensureOpen(ctx context.Context, requestID string) (*model.PayoutRequest, error) {
	current, err := o.requests.GetPayoutRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("read payout request: %w", err)
	}
	if current.Status.Terminal() {
		o.finish(requestID, current.Status)
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalRequest, requestID, current.Status)
	}
	return current, nil
}

// completeDebited ставит отметку об оплате запросу, баланс по которому уже списан.
func (o *Orchestrator) completeDebited(ctx context.Context, req model.PayoutRequest, logger *zap.Logger) (*Settlement, error) {
	paidAt := o.now()
	if err := o.markPaid(ctx, req.ID, paidAt); err != nil {
		o.finish(req.ID, model.RequestStatusDebited)
		o.metrics.recordAnomaly("mark_paid_failed")
		logger.Error("request still debited but not marked paid", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrPaidMarkPending, err)
	}

	o.finish(req.ID, model.RequestStatusPaid)
	logger.Info("debited payout marked paid")
	return &Settlement{PaidAt: paidAt, Resumed: true}, nil
}

func (o *Orchestrator) settleAtomically(ctx context.Context, settler Settler, req model.PayoutRequest) (*Settlement, error) {
	paidAt := o.now()
	before, after, err := settler.SettlePayout(ctx, req, paidAt)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrBalanceNotFound):
			return nil, &BalanceNotFoundError{RequestID: req.ID, OwnerID: req.OwnerID}
		case errors.Is(err, repository.ErrRequestTerminal):
			return nil, fmt.Errorf("%w: %v", ErrTerminalRequest, err)
		default:
			return nil, fmt.Errorf("settle payout: %w", err)
		}
	}
	return &Settlement{Before: before, After: after, PaidAt: paidAt, Atomic: true}, nil
}

func (o *Orchestrator) settleSequentially(ctx context.Context, req model.PayoutRequest, logger *zap.Logger) (*Settlement, error) {
	before, err := o.readBalance(ctx, req.OwnerID)
	if err != nil {
		if errors.Is(err, ErrBalanceNotFound) {
			return nil, &BalanceNotFoundError{RequestID: req.ID, OwnerID: req.OwnerID}
		}
		return nil, err
	}

	after := model.OwnerBalance{
		OwnerID:        req.OwnerID,
		CurrentBalance: before.CurrentBalance.Sub(req.Amount),
		TotalPaid:      before.TotalPaid.Add(req.Amount),
	}

	if err := o.writeStatus(ctx, req.ID, model.PayoutRequestUpdate{Status: model.RequestStatusDebited}); err != nil {
		if errors.Is(err, repository.ErrRequestTerminal) {
			return nil, fmt.Errorf("%w: %v", ErrTerminalRequest, err)
		}
		return nil, fmt.Errorf("mark debited: %w", err)
	}

	if err := o.balances.UpdateBalance(ctx, req.OwnerID, model.BalanceUpdate{
		CurrentBalance: after.CurrentBalance,
		TotalPaid:      after.TotalPaid,
	}); err != nil {
		o.revertDebited(ctx, req.ID, logger)
		if errors.Is(err, repository.ErrBalanceNotFound) {
			return nil, &BalanceNotFoundError{RequestID: req.ID, OwnerID: req.OwnerID}
		}
		return nil, fmt.Errorf("write balance: %w", err)
	}

	paidAt := o.now()
	settlement := &Settlement{Before: before, After: after, PaidAt: paidAt}

	if err := o.markPaid(ctx, req.ID, paidAt); err != nil {
		o.metrics.recordAnomaly("mark_paid_failed")
		logger.Error("balance debited but request not marked paid", zap.Error(err))
		return settlement, fmt.Errorf("%w: %w", ErrPaidMarkPending, err)
	}

	return settlement, nil
}

// revertDebited возвращает запрос в CAPTURING, если списание не записано.
func (o *Orchestrator) revertDebited(ctx context.Context, requestID string, logger *zap.Logger) {
	if err := o.writeStatus(ctx, requestID, model.PayoutRequestUpdate{Status: model.RequestStatusCapturing}); err != nil {
		o.metrics.recordAnomaly("debit_unconfirmed")
		logger.Error("balance write failed and request left debited", zap.Error(err))
	}
}

func (o *Orchestrator) markPaid(ctx context.Context, requestID string, paidAt time.Time) error {
	return o.writeStatus(ctx, requestID, model.PayoutRequestUpdate{
		Status:      model.RequestStatusPaid,
		PaymentDate: &paidAt,
	})
}

// writeStatus записывает статус запроса с повторами. Отсутствующий запрос
// и конечный статус не повторяются.
func (o *Orchestrator) writeStatus(ctx context.Context, requestID string, upd model.PayoutRequestUpdate) error {
	backoff := retry.WithMaxRetries(o.markPaidRetries, retry.NewExponential(o.markPaidBackoff))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := o.requests.UpdatePayoutRequest(ctx, requestID, upd)
		if err == nil {
			return nil
		}
		if errors.Is(err, repository.ErrRequestNotFound) || errors.Is(err, repository.ErrRequestTerminal) {
			return err
		}
		return retry.RetryableError(err)
	})
}

func (o *Orchestrator) readBalance(ctx context.Context, ownerID string) (model.OwnerBalance, error) {
	balances, err := o.balances.ListBalances(ctx)
	if err != nil {
		return model.OwnerBalance{}, fmt.Errorf("read balances: %w", err)
	}
	for _, b := range balances {
		if b.OwnerID == ownerID {
			return b, nil
		}
	}
	return model.OwnerBalance{}, fmt.Errorf("%w: %s", ErrBalanceNotFound, ownerID)
}

func (o *Orchestrator) afterReconcile(ctx context.Context, logger *zap.Logger) {
	if err := o.Refresh(ctx); err != nil {
		logger.Warn("refresh after reconcile failed", zap.Error(err))
	}
}

// Verify перечитывает баланс владельца и сравнивает total_paid с ожидаемым значением.
// Возвращает nil при совпадении. Расхождение только сообщается и никогда не исправляется.
func (o *Orchestrator) Verify(ctx context.Context, ownerID string, expectedTotalPaid decimal.Decimal) (*BalanceMismatch, error) {
	actual, err := o.readBalance(ctx, ownerID)
	if err != nil && !errors.Is(err, ErrBalanceNotFound) {
		return nil, err
	}

	var mismatch *BalanceMismatch
	switch {
	case err != nil:
		mismatch = &BalanceMismatch{OwnerID: ownerID, Expected: expectedTotalPaid, Missing: true}
	case !actual.TotalPaid.Equal(expectedTotalPaid):
		mismatch = &BalanceMismatch{OwnerID: ownerID, Expected: expectedTotalPaid, Actual: actual.TotalPaid}
	default:
		return nil, nil
	}

	o.metrics.recordAnomaly("balance_mismatch")
	o.logger.Error("balance mismatch detected",
		zap.String("owner", ownerID),
		zap.String("expected", mismatch.Expected.String()),
		zap.String("actual", mismatch.Actual.String()),
		zap.Bool("missing", mismatch.Missing),
	)
	return mismatch, nil
}

// keyedMutex выдаёт отдельную блокировку на каждый ключ.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock захватывает блокировку ключа и возвращает функцию освобождения.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
