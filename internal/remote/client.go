package remote

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

	"go.uber.org/zap"

	"attendance/pkg/models"
)

var (
	// ErrStatus is returned for non-2xx answers
	ErrStatus = errors.New("unexpected status from script endpoint")
	// ErrDecode is returned when the body is not the expected JSON
	ErrDecode = errors.New("malformed response from script endpoint")
)

// Config configuration for the script endpoint
type Config struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Client talks to the spreadsheet-backed script endpoint
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
	now     func() time.Time
}

// NewClient creates a new Client
func NewClient(config *Config, logger *zap.Logger) *Client {
	return &Client{
		baseURL: config.URL,
		http: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
		now:    time.Now,
	}
}

// EventList fetches the names of all events
func (c *Client) EventList(ctx context.Context) ([]string, error) {
	var events []string
	if err := c.getJSON(ctx, "getEventList", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Leaderboard fetches the leaderboard of event
func (c *Client) Leaderboard(ctx context.Context, event string) ([]models.LeaderboardItem, error) {
	params := url.Values{"event": {models.FilterFor(event)}}

	var board []models.LeaderboardItem
	if err := c.getJSON(ctx, "getLeaderboard", params, &board); err != nil {
		return nil, err
	}
	return board, nil
}

// Rankings fetches the titles awarded for event
func (c *Client) Rankings(ctx context.Context, event string) ([]models.TitleResult, error) {
	params := url.Values{"event": {models.FilterFor(event)}}

	var titles []models.TitleResult
	if err := c.getJSON(ctx, "getRankings", params, &titles); err != nil {
		return nil, err
	}
	return titles, nil
}

// UserHistory fetches the visits of name.
// Anything other than a JSON array is treated as no visits.
func (c *Client) UserHistory(ctx context.Context, name string) ([]models.HistoryItem, error) {
	params := url.Values{"name": {strings.TrimSpace(name)}}

	var raw json.RawMessage
	if err := c.getJSON(ctx, "getUserData", params, &raw); err != nil {
		return nil, err
	}

	history := []models.HistoryItem{}
	if err := json.Unmarshal(raw, &history); err != nil {
		c.logger.Warn("user history is not a list, using empty history",
			zap.String("name", name), zap.Error(err))
		return []models.HistoryItem{}, nil
	}
	if history == nil {
		history = []models.HistoryItem{}
	}
	return history, nil
}

// CheckIn submits a scanned event code for name
func (c *Client) CheckIn(ctx context.Context, name, event string) (*models.CheckinResult, error) {
	body, err := json.Marshal(models.CheckinRequest{
		Name:  strings.TrimSpace(name),
		Event: strings.TrimSpace(event),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal check-in: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build check-in request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain;charset=utf-8")

	text, err := c.do(req)
	if err != nil {
		return nil, err
	}

	result := interpretCheckin(strings.TrimSpace(event), text)
	c.logger.Info("check-in submitted",
		zap.String("name", name),
		zap.String("event", event),
		zap.String("outcome", string(result.Outcome)))
	return result, nil
}

// interpretCheckin classifies the plain text the endpoint answers with
func interpretCheckin(event, text string) *models.CheckinResult {
	switch {
	case strings.Contains(text, "Checkout"):
		return &models.CheckinResult{Outcome: models.OutcomeCheckedOut, Event: event, Message: text}
	case strings.Contains(text, "Success"):
		return &models.CheckinResult{Outcome: models.OutcomeCheckedIn, Event: event, Message: text}
	default:
		return &models.CheckinResult{Outcome: models.OutcomeInfo, Event: event, Message: text}
	}
}

func (c *Client) getJSON(ctx context.Context, action string, params url.Values, dst interface{}) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid script endpoint url: %w", err)
	}

	q := u.Query()
	q.Set("action", action)
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	// defeat intermediate caches
	q.Set("t", strconv.FormatInt(c.now().UnixMilli(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", action, err)
	}

	text, err := c.do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}

	if err := json.Unmarshal([]byte(text), dst); err != nil {
		return fmt.Errorf("%s: %w: %v", action, ErrDecode, err)
	}

	c.logger.Debug("script endpoint answered", zap.String("action", action))
	return nil
}

func (c *Client) do(req *http.Request) (string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}

	return string(body), nil
}
