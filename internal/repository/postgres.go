// Package repository содержит реализацию хранилищ балансов и запросов на выплату в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/payoutd/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrBalanceNotFound возвращается, если у владельца нет записи баланса.
	ErrBalanceNotFound = errors.New("owner balance not found")
	// ErrRequestNotFound возвращается, если запрос на выплату не найден.
	ErrRequestNotFound = errors.New("payout request not found")
	// ErrRequestTerminal возвращается при попытке изменить запрос в конечном статусе.
	ErrRequestTerminal = errors.New("payout request already in terminal status")
)

// PostgresRepository предоставляет доступ к балансам и запросам на выплату в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

var retryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(retryDelays) {
			return err
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// ListBalances возвращает балансы всех владельцев.
func (r *PostgresRepository) ListBalances(ctx context.Context) ([]model.OwnerBalance, error) {
	var res []model.OwnerBalance

	err := r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx,
			`SELECT owner_id, current_balance, total_paid FROM owner_balances ORDER BY owner_id`,
		)
		if err != nil {
			return fmt.Errorf("select balances: %w", err)
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			var (
				ownerID       string
				currentCents  int64
				totalPaidCent int64
			)
			if err := rows.Scan(&ownerID, &currentCents, &totalPaidCent); err != nil {
				return fmt.Errorf("scan balance: %w", err)
			}
			res = append(res, model.OwnerBalance{
				OwnerID:        ownerID,
				CurrentBalance: fromCents(currentCents),
				TotalPaid:      fromCents(totalPaidCent),
			})
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})

	return res, err
}

// UpdateBalance записывает новые значения баланса владельца.
func (r *PostgresRepository) UpdateBalance(ctx context.Context, ownerID string, upd model.BalanceUpdate) error {
	return r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE owner_balances
			 SET current_balance = $2, total_paid = $3, updated_at = now()
			 WHERE owner_id = $1`,
			ownerID, toCents(upd.CurrentBalance), toCents(upd.TotalPaid),
		)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrBalanceNotFound, ownerID)
		}
		return nil
	})
}

const selectRequest = `SELECT id, owner_id, amount, destination, status, COALESCE(batch_id, ''), payment_date, created_at
	 FROM payout_requests`

func scanRequest(row pgx.Row) (model.PayoutRequest, error) {
	var (
		req         model.PayoutRequest
		amountCents int64
		status      string
	)
	if err := row.Scan(&req.ID, &req.OwnerID, &amountCents, &req.Destination, &status, &req.BatchID, &req.PaymentDate, &req.CreatedAt); err != nil {
		return model.PayoutRequest{}, err
	}
	req.Amount = fromCents(amountCents)
	req.Status = model.RequestStatus(status)
	return req, nil
}

// ListPayoutRequests возвращает все запросы на выплату.
func (r *PostgresRepository) ListPayoutRequests(ctx context.Context) ([]model.PayoutRequest, error) {
	var res []model.PayoutRequest

	err := r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx, selectRequest+` ORDER BY created_at`)
		if err != nil {
			return fmt.Errorf("select payout requests: %w", err)
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			req, err := scanRequest(rows)
			if err != nil {
				return fmt.Errorf("scan payout request: %w", err)
			}
			res = append(res, req)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})

	return res, err
}

// GetPayoutRequest возвращает запрос на выплату по идентификатору.
func (r *PostgresRepository) GetPayoutRequest(ctx context.Context, id string) (*model.PayoutRequest, error) {
	req, err := scanRequest(r.pool.QueryRow(ctx, selectRequest+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
		}
		return nil, fmt.Errorf("get payout request: %w", err)
	}
	return &req, nil
}

// UpdatePayoutRequest изменяет статус запроса на выплату.
// Запрос в конечном статусе меняется только повторной записью того же статуса, которая ничего не изменяет.
func (r *PostgresRepository) UpdatePayoutRequest(ctx context.Context, id string, upd model.PayoutRequestUpdate) error {
	return r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE payout_requests
			 SET status = $2,
			     batch_id = COALESCE(NULLIF($3, ''), batch_id),
			     payment_date = COALESCE(payment_date, $4)
			 WHERE id = $1 AND (status NOT IN ($5, $6) OR status = $2)`,
			id, string(upd.Status), upd.BatchID, upd.PaymentDate,
			string(model.RequestStatusPaid), string(model.RequestStatusFailed),
		)
		if err != nil {
			return fmt.Errorf("update payout request: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}

		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payout_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check payout request: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
		}
		return fmt.Errorf("%w: %s", ErrRequestTerminal, id)
	})
}

// SettlePayout в одной транзакции списывает выплату с баланса владельца и помечает запрос оплаченным.
// Возвращает баланс, прочитанный под блокировкой строки, и записанный баланс.
func (r *PostgresRepository) SettlePayout(ctx context.Context, req model.PayoutRequest, paidAt time.Time) (model.OwnerBalance, model.OwnerBalance, error) {
	var before, after model.OwnerBalance

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var currentCents, totalPaidCents int64
		err = tx.QueryRow(ctx,
			`SELECT current_balance, total_paid FROM owner_balances WHERE owner_id = $1 FOR UPDATE`,
			req.OwnerID,
		).Scan(&currentCents, &totalPaidCents)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrBalanceNotFound, req.OwnerID)
			}
			return fmt.Errorf("lock balance: %w", err)
		}

		amountCents := toCents(req.Amount)
		tag, err := tx.Exec(ctx,
			`UPDATE payout_requests SET status = $2, payment_date = $3
			 WHERE id = $1 AND status NOT IN ($2, $4)`,
			req.ID, string(model.RequestStatusPaid), paidAt, string(model.RequestStatusFailed),
		)
		if err != nil {
			return fmt.Errorf("mark payout paid: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrRequestTerminal, req.ID)
		}

		_, err = tx.Exec(ctx,
			`UPDATE owner_balances
			 SET current_balance = $2, total_paid = $3, updated_at = now()
			 WHERE owner_id = $1`,
			req.OwnerID, currentCents-amountCents, totalPaidCents+amountCents,
		)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		before = model.OwnerBalance{
			OwnerID:        req.OwnerID,
			CurrentBalance: fromCents(currentCents),
			TotalPaid:      fromCents(totalPaidCents),
		}
		after = model.OwnerBalance{
			OwnerID:        req.OwnerID,
			CurrentBalance: fromCents(currentCents - amountCents),
			TotalPaid:      fromCents(totalPaidCents + amountCents),
		}
		return nil
	})

	return before, after, err
}

func toCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
