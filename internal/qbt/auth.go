package qbt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/qbtfs/qbtfs/internal/logging"
	"github.com/qbtfs/qbtfs/internal/metrics"
)

// Session is a saved Web API login: the session cookies issued by the
// server.
type Session struct {
	URL      string            `json:"url"`
	Username string            `json:"username,omitempty"`
	Cookies  map[string]string `json:"cookies"`
	SavedAt  time.Time         `json:"saved_at"`
}

// Login authenticates with the configured credentials. The session cookie
// is kept in the client's jar.
func (c *Client) Login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	form := url.Values{
		"username": {c.username},
		"password": {c.password},
	}
	req, err := c.newRequest(ctx, http.MethodPost, "auth/login", nil, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordAPIRequest("auth/login", 0, time.Since(start))
		metrics.RecordLogin(false)
		c.setOnline(false)
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	metrics.RecordAPIRequest("auth/login", resp.StatusCode, time.Since(start))
	c.setOnline(resp.StatusCode < 500)

	switch {
	case resp.StatusCode == http.StatusForbidden:
		metrics.RecordLogin(false)
		return ErrBanned
	case resp.StatusCode != http.StatusOK:
		metrics.RecordLogin(false)
		return &APIError{Endpoint: "auth/login", Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	case strings.TrimSpace(string(data)) == "Fails.":
		metrics.RecordLogin(false)
		return ErrInvalidCredentials
	}

	metrics.RecordLogin(true)
	logging.Debug("logged in", logging.String("url", c.URL()), logging.String("username", c.username))
	return nil
}

// Logout ends the session on the server and drops the session cookies.
func (c *Client) Logout(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodPost, "auth/logout", nil, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &APIError{Endpoint: "auth/logout", Status: resp.StatusCode}
	}
	c.clearCookies()
	return nil
}

// Session returns the current session cookies, or nil when the client holds
// none.
func (c *Client) Session() *Session {
	cookies := c.httpClient.Jar.Cookies(c.url)
	if len(cookies) == 0 {
		return nil
	}
	s := &Session{
		URL:      c.URL(),
		Username: c.username,
		Cookies:  make(map[string]string, len(cookies)),
		SavedAt:  time.Now(),
	}
	for _, ck := range cookies {
		s.Cookies[ck.Name] = ck.Value
	}
	return s
}

// SetSession installs saved session cookies. Sessions saved for another
// server are ignored.
func (c *Client) SetSession(s *Session) bool {
	if s == nil || s.URL != c.URL() || len(s.Cookies) == 0 {
		return false
	}
	cookies := make([]*http.Cookie, 0, len(s.Cookies))
	for name, value := range s.Cookies {
		cookies = append(cookies, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	c.httpClient.Jar.SetCookies(c.url, cookies)
	return true
}

func (c *Client) clearCookies() {
	var expired []*http.Cookie
	for _, ck := range c.httpClient.Jar.Cookies(c.url) {
		expired = append(expired, &http.Cookie{Name: ck.Name, Path: "/", MaxAge: -1})
	}
	if len(expired) > 0 {
		c.httpClient.Jar.SetCookies(c.url, expired)
	}
}

// SessionFilePath returns the default path for the session file.
func SessionFilePath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "qbtfs", "session.json")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "qbtfs", "session.json")
}

// SaveSession saves a session file to the default location.
func SaveSession(s *Session) error {
	path := SessionFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadSession loads the session file from the default location.
func LoadSession() (*Session, error) {
	data, err := os.ReadFile(SessionFilePath())
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}
	return &s, nil
}

// DeleteSession removes the saved session file.
func DeleteSession() error {
	return os.Remove(SessionFilePath())
}
