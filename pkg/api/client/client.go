package client

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

// Client provides typed access to the orchestrator API for nanoctl and the worker agent.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

// StatusOf returns the HTTP status carried by an APIError, or 0.
func StatusOf(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// User reflects API user payloads.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is returned by Setup and Login.
type Session struct {
	User        User   `json:"user"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in_seconds"`
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Setup creates the first operator account.
func (c *Client) Setup(ctx context.Context, email, password string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "/api/auth/setup", credentials{Email: email, Password: password}, "", &out)
	return out, err
}

// Login authenticates an operator.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "/api/auth/login", credentials{Email: email, Password: password}, "", &out)
	return out, err
}

// JoinToken is a single-use worker enrolment token.
type JoinToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn int       `json:"expires_in_seconds"`
}

// GenerateJoinToken mints a join token.
func (c *Client) GenerateJoinToken(ctx context.Context, token string) (JoinToken, error) {
	var out JoinToken
	err := c.do(ctx, http.MethodPost, "/api/cluster/generate-token", nil, token, &out)
	return out, err
}

// JoinInput is sent by a worker enrolling with the orchestrator.
type JoinInput struct {
	Token     string `json:"token"`
	IP        string `json:"ip"`
	SecretKey string `json:"secret_key"`
	Name      string `json:"name,omitempty"`
}

// Join registers a worker and returns its assigned server id.
func (c *Client) Join(ctx context.Context, input JoinInput) (string, error) {
	var out struct {
		ServerID string `json:"server_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/cluster/join", input, "", &out); err != nil {
		return "", err
	}
	if out.ServerID == "" {
		return "", errors.New("join response missing server_id")
	}
	return out.ServerID, nil
}

// Server mirrors registry entries.
type Server struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	IPAddress  string     `json:"ip_address"`
	Status     string     `json:"status"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ListServers lists registered workers.
func (c *Client) ListServers(ctx context.Context, token string) ([]Server, error) {
	var out struct {
		Servers []Server `json:"servers"`
	}
	err := c.do(ctx, http.MethodGet, "/api/servers", nil, token, &out)
	return out.Servers, err
}

// Binding is a project's GitHub repository binding.
type Binding struct {
	RepoID       int64  `json:"repo_id"`
	RepoFullName string `json:"repo_full_name,omitempty"`
	Branch       string `json:"branch"`
	Active       bool   `json:"active,omitempty"`
}

// Project mirrors API project payloads.
type Project struct {
	ID             string    `json:"id"`
	ServerID       string    `json:"server_id"`
	Name           string    `json:"name"`
	RepoURL        string    `json:"repo_url"`
	Branch         string    `json:"branch"`
	Port           int       `json:"port"`
	Status         string    `json:"status"`
	StatusError    string    `json:"status_error,omitempty"`
	LastDeliveryID string    `json:"last_delivery_id,omitempty"`
	LastCommitSHA  string    `json:"last_commit_sha,omitempty"`
	GitHub         *Binding  `json:"github,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CreateProjectInput describes a new project.
type CreateProjectInput struct {
	ServerID        string   `json:"server_id"`
	Name            string   `json:"name"`
	RepoURL         string   `json:"repo_url"`
	Branch          string   `json:"branch,omitempty"`
	InstallCommand  string   `json:"install_command,omitempty"`
	BuildCommand    string   `json:"build_command,omitempty"`
	StartCommand    string   `json:"start_command,omitempty"`
	OutputDirectory string   `json:"output_directory,omitempty"`
	Port            int      `json:"port,omitempty"`
	GitHub          *Binding `json:"github,omitempty"`
}

// CreatedProject is the create response. WebhookSecret is only returned once.
type CreatedProject struct {
	Project       Project `json:"project"`
	WebhookSecret string  `json:"webhook_secret,omitempty"`
	Deploy        string  `json:"deploy"`
}

// ListProjects retrieves all projects.
func (c *Client) ListProjects(ctx context.Context, token string) ([]Project, error) {
	var out struct {
		Projects []Project `json:"projects"`
	}
	err := c.do(ctx, http.MethodGet, "/api/projects", nil, token, &out)
	return out.Projects, err
}

// GetProject fetches a project.
func (c *Client) GetProject(ctx context.Context, token, projectID string) (Project, error) {
	var out struct {
		Project Project `json:"project"`
	}
	err := c.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID), nil, token, &out)
	return out.Project, err
}

// CreateProject creates a project and queues its first deploy.
func (c *Client) CreateProject(ctx context.Context, token string, input CreateProjectInput) (CreatedProject, error) {
	var out CreatedProject
	err := c.do(ctx, http.MethodPost, "/api/projects", input, token, &out)
	return out, err
}

// DeleteProject tears a project down.
func (c *Client) DeleteProject(ctx context.Context, token, projectID string) error {
	return c.do(ctx, http.MethodDelete, "/api/projects/"+url.PathEscape(projectID), nil, token, nil)
}

// Redeploy triggers a manual redeploy and returns the admission outcome.
func (c *Client) Redeploy(ctx context.Context, token, projectID string) (string, error) {
	var out struct {
		Outcome string `json:"outcome"`
	}
	err := c.do(ctx, http.MethodPost, "/api/projects/"+url.PathEscape(projectID)+"/redeploy", nil, token, &out)
	return out.Outcome, err
}

// Redeploy mirrors a redeploy audit row.
type Redeploy struct {
	ID          string     `json:"id"`
	Cause       string     `json:"cause"`
	DeliveryID  string     `json:"delivery_id,omitempty"`
	CommitSHA   string     `json:"commit_sha,omitempty"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ListRedeploys returns the newest runs of a project.
func (c *Client) ListRedeploys(ctx context.Context, token, projectID string, limit int) ([]Redeploy, error) {
	path := "/api/projects/" + url.PathEscape(projectID) + "/redeploys"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var out struct {
		Redeploys []Redeploy `json:"redeploys"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, token, &out)
	return out.Redeploys, err
}
