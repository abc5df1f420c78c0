package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/payoutd/internal/model"
)

const ownerLookupConcurrency = 4

// BalanceView описывает баланс владельца вместе с его проекцией.
type BalanceView struct {
	model.OwnerBalance
	Owner model.OwnerProjection `json:"owner"`
}

// RequestView описывает запрос на выплату вместе с признаком выполнения и проекцией владельца.
type RequestView struct {
	Request  model.PayoutRequest
	InFlight bool
	Owner    model.OwnerProjection
}

// View содержит снимок балансов, запросов и проекций владельцев.
type View struct {
	Balances    []BalanceView
	Requests    []RequestView
	Owners      map[string]model.OwnerProjection
	RefreshedAt time.Time
}

// HandleNotification обрабатывает уведомление о новом запросе на выплату.
// Уведомление служит только поводом для полной перезагрузки данных.
func (o *Orchestrator) HandleNotification(ctx context.Context, n model.PayoutNotification) error {
	o.logger.Info("payout notification received",
		zap.String("notification", n.ID),
		zap.String("destination", n.Destination),
		zap.String("amount", n.Amount.String()),
	)
	return o.Refresh(ctx)
}

// Refresh полностью перечитывает балансы и запросы на выплату и заново строит проекции владельцев.
// Ошибки справочника владельцев не прерывают обновление: проекция остаётся без имени.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	var (
		balances []model.OwnerBalance
		requests []model.PayoutRequest
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		balances, err = o.balances.ListBalances(gctx)
		if err != nil {
			return fmt.Errorf("list balances: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		requests, err = o.requests.ListPayoutRequests(gctx)
		if err != nil {
			return fmt.Errorf("list payout requests: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		o.metrics.recordRefresh("error")
		return err
	}

	owners := o.resolveOwners(ctx, distinctOwners(balances, requests))

	view := View{
		Balances:    make([]BalanceView, 0, len(balances)),
		Requests:    make([]RequestView, 0, len(requests)),
		Owners:      owners,
		RefreshedAt: o.now(),
	}
	for _, b := range balances {
		view.Balances = append(view.Balances, BalanceView{OwnerBalance: b, Owner: owners[b.OwnerID]})
	}
	for _, r := range requests {
		view.Requests = append(view.Requests, RequestView{Request: r, Owner: owners[r.OwnerID]})
	}

	o.mu.Lock()
	o.view = view
	o.mu.Unlock()

	o.metrics.recordRefresh("ok")
	return nil
}

func distinctOwners(balances []model.OwnerBalance, requests []model.PayoutRequest) []string {
	seen := make(map[string]struct{}, len(balances)+len(requests))
	for _, b := range balances {
		seen[b.OwnerID] = struct{}{}
	}
	for _, r := range requests {
		seen[r.OwnerID] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (o *Orchestrator) resolveOwners(ctx context.Context, ids []string) map[string]model.OwnerProjection {
	owners := make(map[string]model.OwnerProjection, len(ids))
	for _, id := range ids {
		owners[id] = model.OwnerProjection{OwnerID: id}
	}
	if o.directory == nil {
		return owners
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(ownerLookupConcurrency)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			details, err := o.directory.GetUserDetails(ctx, id)
			if err != nil {
				o.logger.Warn("owner lookup failed", zap.String("owner", id), zap.Error(err))
				return nil
			}
			mu.Lock()
			owners[id] = model.OwnerProjection{
				OwnerID:   id,
				FirstName: details.FirstName,
				LastName:  details.LastName,
				Resolved:  true,
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return owners
}

// View возвращает последний снимок данных с актуальными признаками выполнения.
func (o *Orchestrator) View() View {
	o.mu.Lock()
	defer o.mu.Unlock()

	view := View{
		Balances:    append([]BalanceView(nil), o.view.Balances...),
		Requests:    make([]RequestView, 0, len(o.view.Requests)),
		Owners:      make(map[string]model.OwnerProjection, len(o.view.Owners)),
		RefreshedAt: o.view.RefreshedAt,
	}
	for id, p := range o.view.Owners {
		view.Owners[id] = p
	}
	for _, r := range o.view.Requests {
		if t, ok := o.tracked[r.Request.ID]; ok {
			r.InFlight = t.inFlight
		}
		view.Requests = append(view.Requests, r)
	}
	return view
}
