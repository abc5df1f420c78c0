// Package owners предоставляет клиент внешнего справочника владельцев.
package owners

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mmeshcher/payoutd/internal/model"
)

var (
	// ErrNotConfigured возвращается, если адрес справочника не задан.
	ErrNotConfigured = errors.New("owner directory client not configured")
	// ErrOwnerNotFound возвращается, если владелец отсутствует в справочнике.
	ErrOwnerNotFound = errors.New("owner not found")
)

const (
	defaultRate  = rate.Limit(20)
	defaultBurst = 5
)

// Client выполняет запросы к справочнику с ограничением частоты.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient создаёт клиент справочника владельцев по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		limiter: rate.NewLimiter(defaultRate, defaultBurst),
	}
}

// GetUserDetails возвращает имя и фамилию владельца по идентификатору.
func (c *Client) GetUserDetails(ctx context.Context, ownerID string) (*model.OwnerDetails, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait limiter: %w", err)
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/users/"+url.PathEscape(ownerID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrOwnerNotFound, ownerID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var details model.OwnerDetails
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &details, nil
}
