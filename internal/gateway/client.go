// Package gateway предоставляет клиент для внешнего платёжного шлюза выплат.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/payoutd/internal/model"
)

var (
	// ErrNotConfigured возвращается, если адрес шлюза не задан.
	ErrNotConfigured = errors.New("payment gateway client not configured")
	// ErrMalformedResponse возвращается, если ответ шлюза не содержит обязательных полей.
	ErrMalformedResponse = errors.New("malformed gateway response")
)

// batchNamespace задаёт пространство имён для детерминированных идентификаторов пакетов.
var batchNamespace = uuid.MustParse("6f1d3c2e-8a57-4d3b-9b6e-2f0c7a4e91d5")

// RateLimitError сообщает, что шлюз ограничил частоту запросов.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("gateway rate limited, retry after %s", e.RetryAfter)
}

// RejectedError сообщает, что шлюз отклонил запрос.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway rejected request: status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway rejected request: status %d: %s", e.StatusCode, e.Message)
}

// UnavailableError сообщает об ошибке на стороне шлюза (5xx). Результат запроса неизвестен.
type UnavailableError struct {
	StatusCode int
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("gateway unavailable: status %d", e.StatusCode)
}

// Payout описывает инструкцию на создание выплаты.
type Payout struct {
	RequestID   string
	Amount      decimal.Decimal
	Destination string
}

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	currency   string
	httpClient *http.Client
}

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type payoutItem struct {
	RecipientType string `json:"recipient_type"`
	Amount        amount `json:"amount"`
	Receiver      string `json:"receiver"`
	SenderItemID  string `json:"sender_item_id"`
}

type senderBatchHeader struct {
	SenderBatchID string `json:"sender_batch_id"`
}

type createPayoutRequest struct {
	SenderBatchHeader senderBatchHeader `json:"sender_batch_header"`
	Items             []payoutItem      `json:"items"`
}

type batchHeader struct {
	PayoutBatchID string `json:"payout_batch_id"`
	BatchStatus   string `json:"batch_status"`
}

type batchResponse struct {
	BatchHeader *batchHeader `json:"batch_header"`
}

// NewClient создаёт HTTP-клиент шлюза по указанному адресу. Все выплаты выполняются в одной валюте.
func NewClient(baseURL, currency string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		currency: strings.ToUpper(strings.TrimSpace(currency)),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SenderBatchID возвращает ключ идемпотентности пакета для запроса на выплату.
func SenderBatchID(requestID string) string {
	return uuid.NewSHA1(batchNamespace, []byte(requestID)).String()
}

func recipientType(destination string) string {
	if strings.Contains(destination, "@") {
		return "EMAIL"
	}
	return "PAYPAL_ID"
}

// CreatePayout создаёт пакет выплаты и возвращает его идентификатор.
func (c *Client) CreatePayout(ctx context.Context, p Payout) (string, error) {
	body, err := json.Marshal(createPayoutRequest{
		SenderBatchHeader: senderBatchHeader{SenderBatchID: SenderBatchID(p.RequestID)},
		Items: []payoutItem{{
			RecipientType: recipientType(p.Destination),
			Amount: amount{
				Value:    p.Amount.StringFixed(2),
				Currency: c.currency,
			},
			Receiver:     p.Destination,
			SenderItemID: p.RequestID,
		}},
	})
	if err != nil {
		return "", fmt.Errorf("encode payout: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/payments/payouts", body)
	if err != nil {
		return "", err
	}

	if resp.BatchHeader == nil || strings.TrimSpace(resp.BatchHeader.PayoutBatchID) == "" {
		return "", fmt.Errorf("%w: missing payout batch id", ErrMalformedResponse)
	}

	return resp.BatchHeader.PayoutBatchID, nil
}

// GetPayoutStatus запрашивает текущий статус пакета выплат.
func (c *Client) GetPayoutStatus(ctx context.Context, batchID string) (model.BatchStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/payments/payouts/"+url.PathEscape(batchID), nil)
	if err != nil {
		return "", err
	}

	if resp.BatchHeader == nil || resp.BatchHeader.BatchStatus == "" {
		return "", fmt.Errorf("%w: missing batch status", ErrMalformedResponse)
	}

	return model.BatchStatus(strings.ToUpper(resp.BatchHeader.BatchStatus)), nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*batchResponse, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, &RateLimitError{RetryAfter: retryAfter}
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &UnavailableError{StatusCode: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &RejectedError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	var result batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrMalformedResponse, err)
	}

	return &result, nil
}
