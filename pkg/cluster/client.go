package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 15 * time.Second
	maxErrorBodySize = 4096
)

var (
	// ErrUnauthorized indicates the peer rejected the request signature.
	ErrUnauthorized = errors.New("cluster request unauthorized")
	// ErrInvalidArgument indicates the peer rejected the payload.
	ErrInvalidArgument = errors.New("cluster request invalid argument")
	// ErrNotFound indicates the peer could not locate the resource.
	ErrNotFound = errors.New("cluster resource not found")
	// ErrConflict indicates the peer refused the request because of a conflicting state.
	ErrConflict = errors.New("cluster request conflict")
	// ErrRemote covers any other non-success response.
	ErrRemote = errors.New("cluster request failed")
)

// Client issues signed JSON requests to a peer node.
type Client struct {
	baseURL string
	signer  *Signer
	client  *http.Client
}

// NewClient builds a signed client for baseURL. A nil http client gets a default timeout.
func NewClient(baseURL string, signer *Signer, client *http.Client) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("cluster client base url required")
	}
	if signer == nil {
		return nil, errors.New("cluster client requires signer")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: trimmed, signer: signer, client: client}, nil
}

// BaseURL returns the peer address the client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do sends payload (JSON encoded when non-nil) and decodes a JSON response into out when non-nil.
func (c *Client) Do(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal cluster payload: %w", err)
		}
		body = encoded
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build cluster request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.signer.SignRequest(req, body)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send cluster request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode cluster response: %w", err)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := remoteMessage(buf)
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, summary)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRemote, resp.StatusCode, summary)
	}
}

func remoteMessage(buf []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(buf, &payload); err == nil && strings.TrimSpace(payload.Error) != "" {
		return strings.TrimSpace(payload.Error)
	}
	return strings.TrimSpace(string(buf))
}
