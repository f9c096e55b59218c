package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrAlreadyLocked is returned when setting a password on a map that
// already has one.
var ErrAlreadyLocked = errors.New("map is already locked")

// API is the server side of lock state. Hashes are hex SHA-256 digests; the
// plaintext password never leaves the coordinator.
type API interface {
	Status(ctx context.Context, mapID string) (bool, error)
	Lock(ctx context.Context, mapID, passwordHash string) error
	Unlock(ctx context.Context, mapID, passwordHash string) (bool, error)
	Remove(ctx context.Context, mapID, passwordHash string) (bool, error)
}

type StatusResponse struct {
	IsLocked bool `json:"isLocked"`
}

type HashRequest struct {
	PasswordHash string `json:"passwordHash"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

// HTTPClient talks to the lock endpoints under /api/lock.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), http: client}
}

func (c *HTTPClient) Status(ctx context.Context, mapID string) (bool, error) {
	var out StatusResponse
	if err := c.do(ctx, http.MethodGet, c.endpoint(mapID, ""), nil, &out); err != nil {
		return false, fmt.Errorf("get lock status: %w", err)
	}
	return out.IsLocked, nil
}

func (c *HTTPClient) Lock(ctx context.Context, mapID, passwordHash string) error {
	if err := c.do(ctx, http.MethodPost, c.endpoint(mapID, ""), HashRequest{PasswordHash: passwordHash}, nil); err != nil {
		return fmt.Errorf("set lock: %w", err)
	}
	return nil
}

func (c *HTTPClient) Unlock(ctx context.Context, mapID, passwordHash string) (bool, error) {
	var out OKResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint(mapID, "unlock"), HashRequest{PasswordHash: passwordHash}, &out); err != nil {
		return false, fmt.Errorf("unlock: %w", err)
	}
	return out.OK, nil
}

func (c *HTTPClient) Remove(ctx context.Context, mapID, passwordHash string) (bool, error) {
	var out OKResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint(mapID, "remove"), HashRequest{PasswordHash: passwordHash}, &out); err != nil {
		return false, fmt.Errorf("remove lock: %w", err)
	}
	return out.OK, nil
}

func (c *HTTPClient) endpoint(mapID, action string) string {
	path := c.baseURL + "/api/lock/" + url.PathEscape(mapID)
	if action != "" {
		path += "/" + action
	}
	return path
}

func (c *HTTPClient) do(ctx context.Context, method, target string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return ErrAlreadyLocked
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("http %s %s: %d %s", method, target, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
