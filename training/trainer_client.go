package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// TrainerClient talks to the training service running on a GPU instance
type TrainerClient struct {
	http  *http.Client
	port  int
	token string
}

// NewTrainerClient creates a client for trainers listening on port.
// token is passed on every request.
func NewTrainerClient(client *http.Client, port int, token string) *TrainerClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TrainerClient{http: client, port: port, token: token}
}

// BaseURL is the trainer address on host
func (c *TrainerClient) BaseURL(host string) string {
	return fmt.Sprintf("http://%s:%d", host, c.port)
}

// Ready reports whether the trainer on host answers
func (c *TrainerClient) Ready(ctx context.Context, host string) bool {
	resp, err := c.do(ctx, http.MethodGet, host, "/training/", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// DownloadCheckpoint asks the trainer to fetch the base model. The trainer
// reports progress to webhookURL with the downloading_checkpoint_* codes.
// A download that is already running is not an error.
func (c *TrainerClient) DownloadCheckpoint(ctx context.Context, host, checkpointURL, webhookURL string) error {
	body := map[string]string{
		"url":         checkpointURL,
		"webhook_url": webhookURL,
	}
	resp, err := c.do(ctx, http.MethodPost, host, "/checkpoint/download/", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusConflict:
		return nil
	}
	return unexpectedStatus("download checkpoint", resp)
}

// CreateSession creates a training session from config and returns its id
func (c *TrainerClient) CreateSession(ctx context.Context, host string, config []byte) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, host, "/training/", json.RawMessage(config))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", unexpectedStatus("create training session", resp)
	}

	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode training session: %w", err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("trainer returned no session id")
	}
	return out.SessionID, nil
}

// StartSession starts a created session. Starting a session that already
// runs is not an error.
func (c *TrainerClient) StartSession(ctx context.Context, host, sessionID string) error {
	resp, err := c.do(ctx, http.MethodPost, host, "/training/"+url.PathEscape(sessionID)+"/start/", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusConflict:
		return nil
	}
	return unexpectedStatus("start training session", resp)
}

func (c *TrainerClient) do(ctx context.Context, method, host, path string, body interface{}) (*http.Response, error) {
	u := c.BaseURL(host) + path
	if c.token != "" {
		u += "?token=" + url.QueryEscape(c.token)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func unexpectedStatus(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: trainer returned %d: %s", op, resp.StatusCode, bytes.TrimSpace(msg))
}
