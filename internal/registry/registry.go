// Package registry obtains credentials for the image registry. The two key
// parts configured in the environment are exchanged for a short-lived token
// at the registry's token endpoint; without a token endpoint they are used
// directly as basic credentials. Credentials live only for the duration of a
// run and are never logged.
package registry

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 10 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the registry rejected the configured key pair.
var ErrUnauthorized = errors.New("registry: unauthorized")

// ErrInvalidResponse indicates the token endpoint returned a malformed payload.
var ErrInvalidResponse = errors.New("registry: invalid token response")

// Credentials grant push access to the registry for one run.
type Credentials struct {
	Username  string
	Password  string
	ExpiresAt time.Time
}

// Authenticator exchanges the configured key pair for registry credentials.
type Authenticator struct {
	tokenURL  string
	keyID     string
	keySecret string
	client    *http.Client
	now       func() time.Time
}

// New creates an Authenticator. tokenURL may be empty, in which case the key
// pair is returned as static basic credentials.
func New(tokenURL, keyID, keySecret string, client *http.Client) (*Authenticator, error) {
	if strings.TrimSpace(keyID) == "" || keySecret == "" {
		return nil, errors.New("registry key id and secret required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Authenticator{
		tokenURL:  strings.TrimSpace(tokenURL),
		keyID:     strings.TrimSpace(keyID),
		keySecret: keySecret,
		client:    client,
		now:       time.Now,
	}, nil
}

// Authenticate returns credentials valid for the current run.
func (a *Authenticator) Authenticate(ctx context.Context) (Credentials, error) {
	if a == nil {
		return Credentials{}, errors.New("registry authenticator not initialised")
	}
	if a.tokenURL == "" {
		return Credentials{Username: a.keyID, Password: a.keySecret}, nil
	}
	return a.exchange(ctx)
}

func (a *Authenticator) exchange(ctx context.Context) (Credentials, error) {
	body, err := json.Marshal(map[string]string{
		"key_id":     a.keyID,
		"key_secret": a.keySecret,
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("marshal token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, bytes.NewReader(body))
	if err != nil {
		return Credentials{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("send token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return Credentials{}, a.errorForStatus(resp)
	}

	var payload struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if strings.TrimSpace(payload.Token) == "" {
		return Credentials{}, fmt.Errorf("%w: empty token", ErrInvalidResponse)
	}
	creds := Credentials{Username: a.keyID, Password: payload.Token}
	if payload.ExpiresIn > 0 {
		creds.ExpiresAt = a.now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return creds, nil
}

func (a *Authenticator) errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	default:
		return fmt.Errorf("registry token request failed: %s", summary)
	}
}

// EncodeAuth serialises credentials into the header value expected by the
// Docker Engine push API.
func EncodeAuth(creds Credentials) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"username": creds.Username,
		"password": creds.Password,
	})
	if err != nil {
		return "", fmt.Errorf("encode registry auth: %w", err)
	}
	return base64.URLEncoding.EncodeToString(payload), nil
}
