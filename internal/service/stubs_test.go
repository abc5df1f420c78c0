package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/payoutd/internal/gateway"
	"github.com/mmeshcher/payoutd/internal/model"
	"github.com/mmeshcher/payoutd/internal/repository"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type memStore struct {
	mu       sync.Mutex
	balances map[string]model.OwnerBalance
	requests map[string]model.PayoutRequest

	listBalancesCalls  int
	listRequestsCalls  int
	updateBalanceCalls int

	listBalancesErr  error
	updateBalanceErr error
	statusErrs       map[model.RequestStatus][]error

	afterRead  func()
	afterWrite func()
}

func newMemStore() *memStore {
	return &memStore{
		balances: make(map[string]model.OwnerBalance),
		requests: make(map[string]model.PayoutRequest),
	}
}

func (s *memStore) putBalance(ownerID, current, totalPaid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[ownerID] = model.OwnerBalance{
		OwnerID:        ownerID,
		CurrentBalance: dec(current),
		TotalPaid:      dec(totalPaid),
	}
}

func (s *memStore) putRequest(r model.PayoutRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = r
}

func (s *memStore) balance(ownerID string) (model.OwnerBalance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[ownerID]
	return b, ok
}

func (s *memStore) request(id string) model.PayoutRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[id]
}

func (s *memStore) failStatus(status model.RequestStatus, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErrs == nil {
		s.statusErrs = make(map[model.RequestStatus][]error)
	}
	s.statusErrs[status] = errs
}

func (s *memStore) counters() (listBalances, listRequests, updateBalance int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listBalancesCalls, s.listRequestsCalls, s.updateBalanceCalls
}

func (s *memStore) ListBalances(ctx context.Context) ([]model.OwnerBalance, error) {
	s.mu.Lock()
	s.listBalancesCalls++
	if s.listBalancesErr != nil {
		err := s.listBalancesErr
		s.mu.Unlock()
		return nil, err
	}
	res := make([]model.OwnerBalance, 0, len(s.balances))
	for _, b := range s.balances {
		res = append(res, b)
	}
	hook := s.afterRead
	s.mu.Unlock()

	sort.Slice(res, func(i, j int) bool { return res[i].OwnerID < res[j].OwnerID })
	if hook != nil {
		hook()
	}
	return res, nil
}

func (s *memStore) UpdateBalance(ctx context.Context, ownerID string, upd model.BalanceUpdate) error {
	s.mu.Lock()
	s.updateBalanceCalls++
	if s.updateBalanceErr != nil {
		err := s.updateBalanceErr
		s.mu.Unlock()
		return err
	}
	if _, ok := s.balances[ownerID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", repository.ErrBalanceNotFound, ownerID)
	}
	s.balances[ownerID] = model.OwnerBalance{
		OwnerID:        ownerID,
		CurrentBalance: upd.CurrentBalance,
		TotalPaid:      upd.TotalPaid,
	}
	hook := s.afterWrite
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (s *memStore) ListPayoutRequests(ctx context.Context) ([]model.PayoutRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listRequestsCalls++
	res := make([]model.PayoutRequest, 0, len(s.requests))
	for _, r := range s.requests {
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *memStore) GetPayoutRequest(ctx context.Context, id string) (*model.PayoutRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repository.ErrRequestNotFound, id)
	}
	return &r, nil
}

func (s *memStore) UpdatePayoutRequest(ctx context.Context, id string, upd model.PayoutRequestUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if errs := s.statusErrs[upd.Status]; len(errs) > 0 {
		s.statusErrs[upd.Status] = errs[1:]
		return errs[0]
	}

	r, ok := s.requests[id]
	if !ok {
		return fmt.Errorf("%w: %s", repository.ErrRequestNotFound, id)
	}
	if r.Status.Terminal() {
		if r.Status == upd.Status {
			return nil
		}
		return fmt.Errorf("%w: %s", repository.ErrRequestTerminal, id)
	}
	r.Status = upd.Status
	if upd.BatchID != "" {
		r.BatchID = upd.BatchID
	}
	if upd.PaymentDate != nil && r.PaymentDate == nil {
		paid := *upd.PaymentDate
		r.PaymentDate = &paid
	}
	s.requests[id] = r
	return nil
}

// atomicStore добавляет к memStore транзакционную сверку.
type atomicStore struct {
	*memStore
	settleCalls int
}

func (s *atomicStore) SettlePayout(ctx context.Context, req model.PayoutRequest, paidAt time.Time) (model.OwnerBalance, model.OwnerBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleCalls++

	before, ok := s.balances[req.OwnerID]
	if !ok {
		return model.OwnerBalance{}, model.OwnerBalance{}, fmt.Errorf("%w: %s", repository.ErrBalanceNotFound, req.OwnerID)
	}
	r := s.requests[req.ID]
	if r.Status.Terminal() {
		return model.OwnerBalance{}, model.OwnerBalance{}, fmt.Errorf("%w: %s", repository.ErrRequestTerminal, req.ID)
	}

	after := model.OwnerBalance{
		OwnerID:        req.OwnerID,
		CurrentBalance: before.CurrentBalance.Sub(req.Amount),
		TotalPaid:      before.TotalPaid.Add(req.Amount),
	}
	s.balances[req.OwnerID] = after
	r.Status = model.RequestStatusPaid
	r.PaymentDate = &paidAt
	s.requests[req.ID] = r
	return before, after, nil
}

type statusStep struct {
	status model.BatchStatus
	err    error
}

type stubGateway struct {
	mu          sync.Mutex
	batchID     string
	createErr   error
	createCtx   error
	steps       map[string][]statusStep
	createCalls int
	statusCalls int
}

func newStubGateway(batchID string, steps ...statusStep) *stubGateway {
	return &stubGateway{
		batchID: batchID,
		steps:   map[string][]statusStep{batchID: steps},
	}
}

func (g *stubGateway) CreatePayout(ctx context.Context, p gateway.Payout) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	g.createCtx = ctx.Err()
	if g.createErr != nil {
		return "", g.createErr
	}
	return g.batchID, nil
}

// GetPayoutStatus выдаёт шаги по порядку и повторяет последний.
func (g *stubGateway) GetPayoutStatus(ctx context.Context, batchID string) (model.BatchStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCalls++
	steps := g.steps[batchID]
	if len(steps) == 0 {
		return "", errors.New("unknown batch")
	}
	step := steps[0]
	if len(steps) > 1 {
		g.steps[batchID] = steps[1:]
	}
	return step.status, step.err
}

func (g *stubGateway) failCreate(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createErr = err
}

func (g *stubGateway) script(batchID string, steps ...statusStep) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.steps[batchID] = steps
}

func (g *stubGateway) calls() (create, status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls, g.statusCalls
}

func returns(status model.BatchStatus) statusStep {
	return statusStep{status: status}
}

func failsWith(err error) statusStep {
	return statusStep{err: err}
}

type stubDirectory struct {
	mu      sync.Mutex
	owners  map[string]model.OwnerDetails
	failFor map[string]bool
	calls   []string
}

func (d *stubDirectory) GetUserDetails(ctx context.Context, ownerID string) (*model.OwnerDetails, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, ownerID)
	if d.failFor[ownerID] {
		return nil, errors.New("directory unavailable")
	}
	details, ok := d.owners[ownerID]
	if !ok {
		return nil, errors.New("owner not found")
	}
	return &details, nil
}

// barrier задерживает первые n вызовов, пока все n не придут. Последующие вызовы проходят сразу.
type barrier struct {
	mu    sync.Mutex
	n     int
	count int
	ready chan struct{}
}

func newBarrier(n int) *barrier {
	return &barrier{n: n, ready: make(chan struct{})}
}

func (b *barrier) arrive() {
	b.mu.Lock()
	b.count++
	count := b.count
	if count == b.n {
		close(b.ready)
	}
	b.mu.Unlock()

	if count <= b.n {
		<-b.ready
	}
}

func newTestOrchestrator(t *testing.T, store BalanceStore, requests PayoutRequestStore, gw Gateway, opts ...Option) (*Orchestrator, chan Outcome) {
	t.Helper()

	outcomes := make(chan Outcome, 16)
	base := []Option{
		WithPollInterval(time.Millisecond),
		WithMarkPaidRetry(time.Millisecond, 3),
		WithOutcomeHandler(func(out Outcome) { outcomes <- out }),
	}
	o := NewOrchestrator(store, requests, gw, append(base, opts...)...)
	t.Cleanup(func() { _ = o.Close() })
	return o, outcomes
}

func waitOutcome(t *testing.T, outcomes <-chan Outcome) Outcome {
	t.Helper()

	select {
	case out := <-outcomes:
		return out
	case <-time.After(2 * time.Second):
		t.Fatalf("no outcome received")
		return Outcome{}
	}
}

func requested(id, ownerID, amount, destination string) model.PayoutRequest {
	return model.PayoutRequest{
		ID:          id,
		OwnerID:     ownerID,
		Amount:      dec(amount),
		Destination: destination,
		Status:      model.RequestStatusRequested,
	}
}
