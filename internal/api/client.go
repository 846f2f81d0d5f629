// Package api is the REST client for the marketplace backend. The backend
// keeps auth in httpOnly cookies, so the client carries a cookie jar and
// retries once through the refresh endpoint on a 401, the same way the web
// client's response interceptor does.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/viewora/viewora-go/internal/config"
)

// Client talks to the backend REST API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// HistoryMessage is one message from the chat history endpoint.
type HistoryMessage struct {
	ID     int64  `json:"id"`
	Sender string `json:"sender"`
	Body   string `json:"message"`
	Time   string `json:"time"`
	IsRead bool   `json:"is_read"`
}

// Interest is one conversation thread as the backend reports it.
type Interest struct {
	ID          int64  `json:"id"`
	PropertyID  int64  `json:"property_id"`
	Property    string `json:"property_title"`
	Status      string `json:"status"`
	UnreadCount int    `json:"unread_count"`
}

// Notification is one backend notification.
type Notification struct {
	ID      int64  `json:"id"`
	Message string `json:"message"`
	IsRead  bool   `json:"is_read"`
	Created string `json:"created_at"`
}

// NewClient builds a client from the api config section.
func NewClient(cfg config.API) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		token: cfg.Token,
		http: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
			Jar:     jar,
		},
	}
}

// Login authenticates with email and password. The session lands in the
// cookie jar; nothing is returned beyond success.
func (c *Client) Login(ctx context.Context, email, password string) error {
	body := map[string]string{"email": email, "password": password}
	return c.do(ctx, http.MethodPost, "/api/auth/login/", body, nil)
}

// ChatHistory fetches the full message history of an interest.
func (c *Client) ChatHistory(ctx context.Context, interestID int64) ([]HistoryMessage, error) {
	var out []HistoryMessage
	path := fmt.Sprintf("/api/chat/interest/%d/history/", interestID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead tells the backend every message in the interest is read.
func (c *Client) MarkRead(ctx context.Context, interestID int64) error {
	path := fmt.Sprintf("/api/chat/interest/%d/read/", interestID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// ClientInterests lists the caller's interests when acting as a client.
func (c *Client) ClientInterests(ctx context.Context) ([]Interest, error) {
	var out []Interest
	if err := c.do(ctx, http.MethodGet, "/api/interests/client/interests/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BrokerInterests lists the interests assigned to the caller as a broker.
func (c *Client) BrokerInterests(ctx context.Context) ([]Interest, error) {
	var out []Interest
	if err := c.do(ctx, http.MethodGet, "/api/interests/broker/interests/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateInterest registers interest in a property, opening a conversation.
func (c *Client) CreateInterest(ctx context.Context, propertyID int64) error {
	path := fmt.Sprintf("/api/interests/property/%d/interest/", propertyID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// AvailableInterests lists unclaimed interests visible to all brokers.
func (c *Client) AvailableInterests(ctx context.Context) ([]Interest, error) {
	var out []Interest
	if err := c.do(ctx, http.MethodGet, "/api/interests/broker/available-interests/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AcceptInterest claims an interest as the acting broker.
func (c *Client) AcceptInterest(ctx context.Context, interestID int64) error {
	path := fmt.Sprintf("/api/interests/interest/%d/accept/", interestID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// StartInterest moves an accepted interest into negotiation.
func (c *Client) StartInterest(ctx context.Context, interestID int64) error {
	path := fmt.Sprintf("/api/interests/interest/%d/start/", interestID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// CloseInterest closes the deal on an interest.
func (c *Client) CloseInterest(ctx context.Context, interestID int64) error {
	path := fmt.Sprintf("/api/interests/interest/%d/close/", interestID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Notifications fetches the caller's notifications.
func (c *Client) Notifications(ctx context.Context) ([]Notification, error) {
	var out []Notification
	if err := c.do(ctx, http.MethodGet, "/api/notifications/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UnreadNotificationCount returns how many notifications are unread.
func (c *Client) UnreadNotificationCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/notifications/unread-count/", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// MarkNotificationsRead clears the unread flag on all notifications.
func (c *Client) MarkNotificationsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/mark-read/", nil, nil)
}

// RegisterPushToken announces this device for push delivery. Each client
// process gets a random stable-for-the-run device id.
func (c *Client) RegisterPushToken(ctx context.Context, token string) error {
	body := map[string]string{
		"token":     token,
		"device_id": deviceID,
	}
	return c.do(ctx, http.MethodPost, "/api/notifications/push-token/", body, nil)
}

var deviceID = uuid.NewString()

// AreaInsights asks the AI endpoint a free-form question about an area.
func (c *Client) AreaInsights(ctx context.Context, question string) (string, error) {
	var out struct {
		Answer string `json:"answer"`
	}
	body := map[string]string{"question": question}
	if err := c.do(ctx, http.MethodPost, "/api/ai/area-insights/", body, &out); err != nil {
		return "", err
	}
	return out.Answer, nil
}

// do runs one request, decoding the JSON response into out when non-nil.
// On a 401 it refreshes the session once and retries, except for the auth
// endpoints themselves.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized && !strings.HasPrefix(path, "/api/auth/") {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		log.Printf("API: 401 on %s %s, refreshing session", method, path)
		refresh, err := c.send(ctx, http.MethodPost, "/api/auth/refresh/", nil)
		if err != nil {
			return fmt.Errorf("refresh session: %w", err)
		}
		io.Copy(io.Discard, refresh.Body)
		refresh.Body.Close()
		if refresh.StatusCode != http.StatusOK {
			return fmt.Errorf("refresh session: status %d", refresh.StatusCode)
		}

		resp, err = c.send(ctx, method, path, body)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}
