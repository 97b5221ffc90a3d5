// Package gamebackend is the typed client for the game backend's user API.
// Session registration lives in the session package; everything here is the
// read-side surface proxied by the HTTP handlers.
package gamebackend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ErrBackendStatus wraps a non-2xx backend response.
type ErrBackendStatus struct {
	Status int
	Body   string
}

func (e *ErrBackendStatus) Error() string {
	return fmt.Sprintf("gamebackend: status %d: %s", e.Status, e.Body)
}

// HomeStats is the backend's per-user play allowance.
type HomeStats struct {
	Energy     int `json:"energy"`
	StreakDays int `json:"streak_days"`
}

// Profile is the backend's per-user trading record.
type Profile struct {
	FID   int64  `json:"fid"`
	Name  string `json:"name"`
	Stats struct {
		TotalGames       int `json:"total_games"`
		LiquidationTimes int `json:"liquidation_times"`
	} `json:"stats"`
	Achievements struct {
		HighestPNL decimal.Decimal `json:"highest pnl"`
	} `json:"achivements"`
	History []TradeRecord `json:"history"`
}

// TradeRecord is one settled play session in a profile's history.
type TradeRecord struct {
	TradeTime      string          `json:"trade_time"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	FinalBalance   decimal.Decimal `json:"final_balance"`
	PNL            decimal.Decimal `json:"pnl"`
}

// LeaderboardEntry is one ranked row; TheUser marks the requesting player's
// own row, which may sit outside the top of the list.
type LeaderboardEntry struct {
	Username    string          `json:"username"`
	TotalProfit decimal.Decimal `json:"total_profit"`
	TheUser     bool            `json:"the_user"`
	Rank        int             `json:"rank"`
}

// Client talks to the game backend's versioned user API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for backend calls.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// New builds a client for the backend at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HomeStats fetches the user's energy and streak.
func (c *Client) HomeStats(ctx context.Context, fid int64) (*HomeStats, error) {
	var out HomeStats
	q := url.Values{"fid": {strconv.FormatInt(fid, 10)}}
	if err := c.getJSON(ctx, "/api/v1/user/home", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Profile fetches the user's trading record. Username and wallet are
// optional enrichments the backend uses to refresh its own records.
func (c *Client) Profile(ctx context.Context, fid int64, username, wallet string) (*Profile, error) {
	q := url.Values{"fid": {strconv.FormatInt(fid, 10)}}
	if username != "" {
		q.Set("username", username)
	}
	if wallet != "" {
		q.Set("wallet", wallet)
	}
	var out Profile
	if err := c.getJSON(ctx, "/api/v1/user/profile", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Leaderboard fetches the ranked player list including the requesting
// user's own row.
func (c *Client) Leaderboard(ctx context.Context, fid int64) ([]LeaderboardEntry, error) {
	q := url.Values{"fid": {strconv.FormatInt(fid, 10)}}
	var out struct {
		Leaderboard []LeaderboardEntry `json:"leaderboard"`
	}
	if err := c.getJSON(ctx, "/api/v1/user/leaderboard", q, &out); err != nil {
		return nil, err
	}
	return out.Leaderboard, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gamebackend: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ErrBackendStatus{Status: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gamebackend: decode %s response: %w", path, err)
	}
	return nil
}
