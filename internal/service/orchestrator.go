// Package service реализует оркестрацию выплат: захват запроса, опрос платёжного шлюза,
// сверку баланса владельца и её проверку.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/payoutd/internal/gateway"
	"github.com/mmeshcher/payoutd/internal/model"
	"github.com/mmeshcher/payoutd/internal/validation"
)

// BalanceStore описывает доступ к балансам владельцев.
type BalanceStore interface {
	ListBalances(ctx context.Context) ([]model.OwnerBalance, error)
	UpdateBalance(ctx context.Context, ownerID string, upd model.BalanceUpdate) error
}

// PayoutRequestStore описывает доступ к запросам на выплату.
type PayoutRequestStore interface {
	ListPayoutRequests(ctx context.Context) ([]model.PayoutRequest, error)
	GetPayoutRequest(ctx context.Context, id string) (*model.PayoutRequest, error)
	UpdatePayoutRequest(ctx context.Context, id string, upd model.PayoutRequestUpdate) error
}

// Settler выполняет списание баланса и отметку об оплате одной транзакцией.
// Если хранилище балансов реализует этот интерфейс, сверка использует его.
type Settler interface {
	SettlePayout(ctx context.Context, req model.PayoutRequest, paidAt time.Time) (model.OwnerBalance, model.OwnerBalance, error)
}

// Gateway описывает платёжный шлюз.
type Gateway interface {
	CreatePayout(ctx context.Context, p gateway.Payout) (string, error)
	GetPayoutStatus(ctx context.Context, batchID string) (model.BatchStatus, error)
}

// OwnerDirectory возвращает данные владельцев для отображения.
type OwnerDirectory interface {
	GetUserDetails(ctx context.Context, ownerID string) (*model.OwnerDetails, error)
}

// Outcome описывает итог отслеживания одного пакета выплаты.
type Outcome struct {
	RequestID   string
	BatchID     string
	Status      model.RequestStatus
	Polls       int
	Reschedules int
	Settlement  *Settlement
	Err         error
}

type tracking struct {
	inFlight  bool
	status    model.RequestStatus
	batchID   string
	startedAt time.Time
}

// Orchestrator ведёт запросы на выплату от захвата до оплаты.
type Orchestrator struct {
	balances  BalanceStore
	requests  PayoutRequestStore
	gateway   Gateway
	directory OwnerDirectory
	logger    *zap.Logger
	metrics   *Metrics
	now       func() time.Time

	pollInterval     time.Duration
	maxAttempts      int
	deadline         time.Duration
	transient        map[model.BatchStatus]struct{}
	retryUnknown     bool
	serializeByOwner bool
	markPaidBackoff  time.Duration
	markPaidRetries  uint64
	onOutcome        func(Outcome)

	ownerLocks *keyedMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tracked map[string]*tracking
	view    View
}

// Option настраивает оркестратор.
type Option func(*Orchestrator)

// WithOwnerDirectory задаёт справочник владельцев для проекций.
func WithOwnerDirectory(d OwnerDirectory) Option {
	return func(o *Orchestrator) { o.directory = d }
}

// WithLogger задаёт логгер.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics задаёт коллекторы метрик.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock задаёт источник текущего времени.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.now = clock }
}

// WithPollInterval задаёт интервал опроса шлюза.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.pollInterval = d }
}

// WithMaxAttempts ограничивает число проверок статуса одного пакета. 0 снимает ограничение.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) { o.maxAttempts = n }
}

// WithDeadline ограничивает время опроса одного пакета. 0 снимает ограничение.
func WithDeadline(d time.Duration) Option {
	return func(o *Orchestrator) { o.deadline = d }
}

// WithTransientStatuses задаёт статусы шлюза, при которых опрос продолжается.
func WithTransientStatuses(statuses []string) Option {
	return func(o *Orchestrator) {
		o.transient = make(map[model.BatchStatus]struct{}, len(statuses))
		for _, s := range statuses {
			o.transient[model.BatchStatus(strings.ToUpper(strings.TrimSpace(s)))] = struct{}{}
		}
	}
}

// WithRetryUnknown определяет, продолжать ли опрос при неизвестном статусе шлюза.
func WithRetryUnknown(retry bool) Option {
	return func(o *Orchestrator) { o.retryUnknown = retry }
}

// WithSerializeByOwner включает последовательную сверку балансов одного владельца.
func WithSerializeByOwner(enabled bool) Option {
	return func(o *Orchestrator) { o.serializeByOwner = enabled }
}

// WithMarkPaidRetry настраивает повторы отметки об оплате после списания баланса.
func WithMarkPaidRetry(base time.Duration, retries uint64) Option {
	return func(o *Orchestrator) {
		o.markPaidBackoff = base
		o.markPaidRetries = retries
	}
}

// WithOutcomeHandler задаёт функцию, получающую итог каждого фонового опроса.
func WithOutcomeHandler(fn func(Outcome)) Option {
	return func(o *Orchestrator) { o.onOutcome = fn }
}

// NewOrchestrator создаёт оркестратор выплат с указанными хранилищами и шлюзом.
func NewOrchestrator(balances BalanceStore, requests PayoutRequestStore, gw Gateway, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		balances:         balances,
		requests:         requests,
		gateway:          gw,
		logger:           zap.NewNop(),
		now:              time.Now,
		pollInterval:     5 * time.Second,
		retryUnknown:     true,
		serializeByOwner: true,
		markPaidBackoff:  200 * time.Millisecond,
		markPaidRetries:  5,
		ownerLocks:       newKeyedMutex(),
		ctx:              ctx,
		cancel:           cancel,
		tracked:          make(map[string]*tracking),
	}
	WithTransientStatuses([]string{
		string(model.BatchStatusCreated),
		string(model.BatchStatusPending),
		string(model.BatchStatusProcessing),
	})(o)

	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.pollInterval <= 0 {
		o.pollInterval = 5 * time.Second
	}
	return o
}

// Close останавливает все циклы опроса и дожидается их завершения.
func (o *Orchestrator) Close() error {
	o.cancel()
	o.wg.Wait()
	return nil
}

// Wait дожидается завершения всех запущенных циклов опроса.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Capture создаёт пакет выплаты на шлюзе и запускает фоновый опрос его статуса.
// Возвращает идентификатор пакета. Вызывающий не ждёт завершения выплаты.
func (o *Orchestrator) Capture(ctx context.Context, req model.PayoutRequest) (string, error) {
	if req.Status.Terminal() {
		return "", fmt.Errorf("%w: %s is %s", ErrTerminalRequest, req.ID, req.Status)
	}
	if req.Status != model.RequestStatusRequested {
		return "", fmt.Errorf("%w: %s is %s", ErrAlreadyInFlight, req.ID, req.Status)
	}
	if err := validation.ValidatePayout(req.Amount, req.Destination); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := o.begin(req.ID); err != nil {
		return "", err
	}

	logger := o.logger.With(zap.String("request", req.ID), zap.String("owner", req.OwnerID))

	// Создание пакета не прерывается отменой вызывающего: шлюз мог уже принять запрос.
	ctx = context.WithoutCancel(ctx)

	batchID, err := o.gateway.CreatePayout(ctx, gateway.Payout{
		RequestID:   req.ID,
		Amount:      req.Amount,
		Destination: req.Destination,
	})
	if err != nil {
		if !initiationRejected(err) {
			logger.Warn("gateway initiation outcome unknown, request left requested", zap.Error(err))
			o.metrics.recordCapture("initiation_unknown")
			o.finish(req.ID, model.RequestStatusRequested)
			return "", fmt.Errorf("%w: %s: %w", ErrInitiationUnconfirmed, req.ID, err)
		}
		initErr := &GatewayInitiationError{RequestID: req.ID, Err: err}
		logger.Error("gateway initiation failed", zap.Error(err))
		o.metrics.recordCapture("initiation_failed")
		o.markFailed(ctx, req.ID, "")
		return "", initErr
	}

	o.metrics.recordCapture("initiated")
	o.setBatch(req.ID, batchID)
	logger = logger.With(zap.String("batch", batchID))
	logger.Info("payout batch created", zap.String("amount", req.Amount.String()))

	// Пакет уже создан: ошибка записи статуса не останавливает опрос.
	if err := o.requests.UpdatePayoutRequest(ctx, req.ID, model.PayoutRequestUpdate{
		Status:  model.RequestStatusCapturing,
		BatchID: batchID,
	}); err != nil {
		logger.Error("mark capturing error", zap.Error(err))
	}

	req.Status = model.RequestStatusCapturing
	req.BatchID = batchID
	o.track(req, batchID)

	return batchID, nil
}

// initiationRejected сообщает, что шлюз определённо не создал пакет.
func initiationRejected(err error) bool {
	var rejected *gateway.RejectedError
	return errors.As(err, &rejected) || errors.Is(err, gateway.ErrMalformedResponse)
}

// CaptureByID перечитывает запрос из хранилища и захватывает его.
func (o *Orchestrator) CaptureByID(ctx context.Context, requestID string) (string, error) {
	req, err := o.requests.GetPayoutRequest(ctx, requestID)
	if err != nil {
		return "", err
	}
	return o.Capture(ctx, *req)
}

// Resume возобновляет опрос шлюза для запроса с сохранённым пакетом.
// Для запроса в статусе DEBITED шлюз не опрашивается, повторяется только отметка об оплате.
func (o *Orchestrator) Resume(ctx context.Context, requestID string) error {
	req, err := o.requests.GetPayoutRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalRequest, req.ID, req.Status)
	}
	if req.BatchID == "" || !resumable(req.Status) {
		return fmt.Errorf("%w: %s is %s without batch", ErrNotResumable, req.ID, req.Status)
	}
	if err := o.begin(req.ID); err != nil {
		return err
	}
	o.setBatch(req.ID, req.BatchID)

	if req.Status == model.RequestStatusDebited {
		o.logger.Info("resume paid mark", zap.String("request", req.ID), zap.String("batch", req.BatchID))
		o.settle(*req)
		return nil
	}

	if req.Status == model.RequestStatusTimedOut {
		if err := o.requests.UpdatePayoutRequest(ctx, req.ID, model.PayoutRequestUpdate{
			Status: model.RequestStatusCapturing,
		}); err != nil {
			o.finish(req.ID, req.Status)
			return fmt.Errorf("mark capturing: %w", err)
		}
		req.Status = model.RequestStatusCapturing
	}

	o.logger.Info("resume payout polling", zap.String("request", req.ID), zap.String("batch", req.BatchID))
	o.track(*req, req.BatchID)
	return nil
}

// ResumePending возобновляет обработку всех запросов в статусах CAPTURING и DEBITED с сохранённым пакетом.
func (o *Orchestrator) ResumePending(ctx context.Context) (int, error) {
	reqs, err := o.requests.ListPayoutRequests(ctx)
	if err != nil {
		return 0, fmt.Errorf("list payout requests: %w", err)
	}

	resumed := 0
	for _, req := range reqs {
		if (req.Status != model.RequestStatusCapturing && req.Status != model.RequestStatusDebited) || req.BatchID == "" {
			continue
		}
		if err := o.Resume(ctx, req.ID); err != nil {
			if errors.Is(err, ErrAlreadyInFlight) {
				continue
			}
			o.logger.Error("resume payout error", zap.String("request", req.ID), zap.Error(err))
			continue
		}
		resumed++
	}
	return resumed, nil
}

func resumable(status model.RequestStatus) bool {
	switch status {
	case model.RequestStatusCapturing, model.RequestStatusTimedOut, model.RequestStatusDebited:
		return true
	}
	return false
}

// settle завершает сверку запроса, баланс по которому уже списан.
func (o *Orchestrator) settle(req model.PayoutRequest) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		out := Outcome{RequestID: req.ID, BatchID: req.BatchID, Status: model.RequestStatusPaid}
		out.Settlement, out.Err = o.Reconcile(o.ctx, req)
		if out.Err != nil {
			out.Status = o.currentStatus(req.ID, req.Status)
		}
		o.metrics.recordSettlement(settlementResult(out.Err))
		if o.onOutcome != nil {
			o.onOutcome(out)
		}
	}()
}

func (o *Orchestrator) track(req model.PayoutRequest, batchID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		out := o.Poll(o.ctx, batchID, req)
		if o.onOutcome != nil {
			o.onOutcome(out)
		}
	}()
}

// Poll опрашивает шлюз с фиксированным интервалом до конечного статуса пакета
// или исчерпания лимитов опроса. Блокирует вызывающего до завершения.
func (o *Orchestrator) Poll(ctx context.Context, batchID string, req model.PayoutRequest) Outcome {
	out := Outcome{RequestID: req.ID, BatchID: batchID, Status: req.Status}
	logger := o.logger.With(zap.String("request", req.ID), zap.String("batch", batchID))

	if status, terminal := o.terminalStatus(req); terminal {
		out.Status = status
		out.Err = fmt.Errorf("%w: %s is %s", ErrTerminalRequest, req.ID, status)
		return out
	}

	started := o.now()
	for {
		out.Polls++
		o.metrics.recordPoll()
		delay := o.pollInterval

		status, err := o.gateway.GetPayoutStatus(ctx, batchID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return o.abandon(out, ctx.Err())
			}
			var rl *gateway.RateLimitError
			if errors.As(err, &rl) && rl.RetryAfter > delay {
				delay = rl.RetryAfter
			}
			logger.Warn("payout status check failed", zap.Error(err), zap.Int("attempt", out.Polls))

		case status == model.BatchStatusSuccess:
			logger.Info("payout succeeded", zap.Int("attempts", out.Polls))
			settlement, err := o.Reconcile(ctx, req)
			out.Settlement = settlement
			out.Err = err
			if err != nil {
				out.Status = o.currentStatus(req.ID, model.RequestStatusCapturing)
				o.metrics.recordSettlement(settlementResult(err))
				return out
			}
			out.Status = model.RequestStatusPaid
			o.metrics.recordSettlement("paid")
			return out

		case status == model.BatchStatusDenied || status == model.BatchStatusFailed:
			denied := &PayoutDeniedError{RequestID: req.ID, BatchID: batchID, Status: status}
			logger.Error("payout denied", zap.String("status", string(status)))
			o.markFailed(ctx, req.ID, batchID)
			o.metrics.recordSettlement("denied")
			out.Status = model.RequestStatusFailed
			out.Err = denied
			return out

		case o.isTransient(status):
			logger.Debug("payout still processing", zap.String("status", string(status)))

		default:
			if !o.retryUnknown {
				logger.Error("unrecognized gateway status, polling stopped", zap.String("status", string(status)))
				o.finish(req.ID, model.RequestStatusCapturing)
				o.metrics.recordSettlement("unrecognized")
				out.Status = model.RequestStatusCapturing
				out.Err = fmt.Errorf("%w: %s", ErrUnrecognizedStatus, status)
				return out
			}
			logger.Warn("unexpected gateway status, polling continues", zap.String("status", string(status)))
		}

		if o.limitReached(out.Polls, started, delay) {
			return o.timeOut(ctx, out)
		}

		out.Reschedules++
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return o.abandon(out, ctx.Err())
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) limitReached(attempts int, started time.Time, nextDelay time.Duration) bool {
	if o.maxAttempts > 0 && attempts >= o.maxAttempts {
		return true
	}
	if o.deadline > 0 && o.now().Add(nextDelay).Sub(started) > o.deadline {
		return true
	}
	return false
}

func (o *Orchestrator) timeOut(ctx context.Context, out Outcome) Outcome {
	o.logger.Warn("payout polling limit exceeded",
		zap.String("request", out.RequestID),
		zap.String("batch", out.BatchID),
		zap.Int("attempts", out.Polls),
	)
	if err := o.requests.UpdatePayoutRequest(ctx, out.RequestID, model.PayoutRequestUpdate{
		Status: model.RequestStatusTimedOut,
	}); err != nil {
		o.logger.Error("mark timed out error", zap.String("request", out.RequestID), zap.Error(err))
	}
	o.finish(out.RequestID, model.RequestStatusTimedOut)
	o.metrics.recordSettlement("timed_out")
	out.Status = model.RequestStatusTimedOut
	out.Err = fmt.Errorf("%w: %s after %d attempts", ErrPollTimeout, out.BatchID, out.Polls)
	return out
}

// abandon прекращает опрос при остановке сервиса. Запрос остаётся в CAPTURING
// и подхватывается ResumePending при следующем запуске.
func (o *Orchestrator) abandon(out Outcome, err error) Outcome {
	o.finish(out.RequestID, model.RequestStatusCapturing)
	out.Status = model.RequestStatusCapturing
	out.Err = err
	return out
}

func (o *Orchestrator) markFailed(ctx context.Context, requestID, batchID string) {
	if err := o.requests.UpdatePayoutRequest(ctx, requestID, model.PayoutRequestUpdate{
		Status:  model.RequestStatusFailed,
		BatchID: batchID,
	}); err != nil {
		o.logger.Error("mark failed error", zap.String("request", requestID), zap.Error(err))
	}
	o.finish(requestID, model.RequestStatusFailed)
}

func (o *Orchestrator) isTransient(status model.BatchStatus) bool {
	_, ok := o.transient[status]
	return ok
}

func settlementResult(err error) string {
	switch {
	case err == nil:
		return "paid"
	case errors.Is(err, ErrPaidMarkPending):
		return "paid_mark_pending"
	case errors.Is(err, ErrBalanceNotFound):
		return "balance_not_found"
	case errors.Is(err, ErrTerminalRequest):
		return "already_terminal"
	default:
		return "error"
	}
}

// begin отмечает запрос как выполняющийся.
func (o *Orchestrator) begin(requestID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tracked[requestID]
	if ok {
		if t.status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminalRequest, requestID, t.status)
		}
		if t.inFlight {
			return fmt.Errorf("%w: %s", ErrAlreadyInFlight, requestID)
		}
	}
	o.tracked[requestID] = &tracking{
		inFlight:  true,
		status:    model.RequestStatusCapturing,
		startedAt: o.now(),
	}
	o.metrics.setInFlight(o.inFlightLocked())
	return nil
}

func (o *Orchestrator) setBatch(requestID, batchID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.tracked[requestID]; ok {
		t.batchID = batchID
	}
}

// finish снимает признак выполнения и фиксирует статус запроса.
func (o *Orchestrator) finish(requestID string, status model.RequestStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tracked[requestID]
	if !ok {
		t = &tracking{}
		o.tracked[requestID] = t
	}
	t.inFlight = false
	if !t.status.Terminal() {
		t.status = status
	}
	o.metrics.setInFlight(o.inFlightLocked())
}

func (o *Orchestrator) inFlightLocked() int {
	n := 0
	for _, t := range o.tracked {
		if t.inFlight {
			n++
		}
	}
	return n
}

func (o *Orchestrator) terminalStatus(req model.PayoutRequest) (model.RequestStatus, bool) {
	if req.Status.Terminal() {
		return req.Status, true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.tracked[req.ID]; ok && t.status.Terminal() {
		return t.status, true
	}
	return "", false
}

func (o *Orchestrator) currentStatus(requestID string, fallback model.RequestStatus) model.RequestStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.tracked[requestID]; ok && t.status != "" {
		return t.status
	}
	return fallback
}

// InFlight сообщает, выполняется ли сейчас захват запроса.
func (o *Orchestrator) InFlight(requestID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tracked[requestID]
	return ok && t.inFlight
}

func (o *Orchestrator) startedAt(requestID string) time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.tracked[requestID]; ok {
		return t.startedAt
	}
	return time.Time{}
}
