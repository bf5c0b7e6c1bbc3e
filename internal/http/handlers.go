package httpx

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nanoscale/nanoscale/internal/domain"
	"github.com/nanoscale/nanoscale/internal/repository"
	"github.com/nanoscale/nanoscale/internal/service/auth"
	clustersvc "github.com/nanoscale/nanoscale/internal/service/cluster"
	"github.com/nanoscale/nanoscale/internal/service/jointoken"
	"github.com/nanoscale/nanoscale/internal/service/project"
	"github.com/nanoscale/nanoscale/internal/service/redeploy"
	"github.com/nanoscale/nanoscale/pkg/cluster"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func sessionPayload(user *domain.User, session auth.Session) map[string]any {
	return map[string]any{
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
		"access_token":       session.AccessToken,
		"expires_in_seconds": int(session.ExpiresIn / time.Second),
	}
}

func (r *Router) handleSetup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload credentials
	if err := decodeJSON(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, session, err := r.auth.Setup(req.Context(), payload.Email, payload.Password)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, sessionPayload(user, session))
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrSetupComplete):
		writeError(w, http.StatusConflict, err.Error())
	default:
		r.logger.Error("setup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "setup failed")
	}
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload credentials
	if err := decodeJSON(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, session, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, sessionPayload(user, session))
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	default:
		r.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
	}
}

func (r *Router) handleGenerateToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	token, err := r.tokens.Issue()
	if err != nil {
		r.logger.Error("join token generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":              token.Value,
		"expires_at":         token.ExpiresAt.UTC(),
		"expires_in_seconds": int(token.ExpiresAt.Sub(token.CreatedAt) / time.Second),
	})
}

func (r *Router) handleJoin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload clustersvc.JoinRequest
	if err := decodeJSON(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.IP) == "" {
		payload.IP = clientIP(req)
	}
	server, err := r.cluster.Join(req.Context(), payload)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"server_id": server.ID})
	case errors.Is(err, clustersvc.ErrInvalidJoinRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jointoken.ErrUnknown):
		writeError(w, http.StatusUnauthorized, "join token unknown")
	case errors.Is(err, jointoken.ErrExpired):
		writeError(w, http.StatusUnauthorized, "join token expired")
	case errors.Is(err, jointoken.ErrAlreadyUsed):
		writeError(w, http.StatusConflict, "join token already used")
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, "server already registered")
	default:
		r.logger.Error("join failed", "error", err)
		writeError(w, http.StatusInternalServerError, "join failed")
	}
}

func (r *Router) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	serverID, ok := cluster.ServerIDFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := r.cluster.Heartbeat(req.Context(), serverID); err != nil {
		status, msg := statusForLookup(err)
		if status >= http.StatusInternalServerError {
			r.logger.Error("heartbeat failed", "server_id", serverID, "error", err)
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleServers(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	servers, err := r.cluster.List(req.Context())
	if err != nil {
		r.logger.Error("list servers failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list servers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		projects, err := r.projects.List(req.Context())
		if err != nil {
			r.logger.Error("list projects failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list projects")
			return
		}
		views := make([]projectView, 0, len(projects))
		for _, p := range projects {
			views = append(views, newProjectView(p, nil))
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": views})
	case http.MethodPost:
		var payload project.CreateRequest
		if err := decodeJSON(w, req, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.projects.Create(req.Context(), payload)
		if err != nil {
			switch {
			case errors.Is(err, project.ErrInvalidProject):
				writeError(w, http.StatusBadRequest, err.Error())
			case errors.Is(err, repository.ErrConflict):
				writeError(w, http.StatusConflict, "project or binding already exists")
			default:
				r.logger.Error("create project failed", "error", err)
				writeError(w, http.StatusInternalServerError, "failed to create project")
			}
			return
		}
		body := map[string]any{
			"project": newProjectView(created.Project, created.Binding),
			"deploy":  created.Deploy,
		}
		if created.WebhookSecret != "" {
			body["webhook_secret"] = created.WebhookSecret
		}
		writeJSON(w, http.StatusCreated, body)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	switch req.Method {
	case http.MethodGet:
		p, binding, err := r.projects.Get(req.Context(), id)
		if err != nil {
			r.writeLookupError(w, "get project failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": newProjectView(*p, binding)})
	case http.MethodDelete:
		outcome, err := r.projects.Delete(req.Context(), id)
		if err != nil {
			r.writeLookupError(w, "delete project failed", err)
			return
		}
		if outcome == redeploy.Busy {
			writeError(w, http.StatusConflict, "project is busy")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleRedeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	outcome, err := r.projects.Redeploy(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeLookupError(w, "manual redeploy failed", err)
		return
	}
	if outcome == redeploy.Busy {
		writeError(w, http.StatusConflict, "project is busy")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"outcome": outcome})
}

func (r *Router) handleRedeploys(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	runs, err := r.projects.Redeploys(req.Context(), req.PathValue("id"), queryInt(req, "limit"))
	if err != nil {
		r.writeLookupError(w, "list redeploys failed", err)
		return
	}
	views := make([]redeployView, 0, len(runs))
	for _, run := range runs {
		views = append(views, redeployView(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"redeploys": views})
}

func (r *Router) writeLookupError(w http.ResponseWriter, msg string, err error) {
	status, text := statusForLookup(err)
	if status >= http.StatusInternalServerError {
		r.logger.Error(msg, "error", err)
	}
	writeError(w, status, text)
}

type bindingView struct {
	RepoID         int64  `json:"repo_id"`
	RepoFullName   string `json:"repo_full_name,omitempty"`
	SelectedBranch string `json:"branch"`
	Active         bool   `json:"active"`
}

type projectView struct {
	ID              string               `json:"id"`
	ServerID        string               `json:"server_id"`
	Name            string               `json:"name"`
	RepoURL         string               `json:"repo_url"`
	Branch          string               `json:"branch"`
	InstallCommand  string               `json:"install_command,omitempty"`
	BuildCommand    string               `json:"build_command,omitempty"`
	StartCommand    string               `json:"start_command,omitempty"`
	OutputDirectory string               `json:"output_directory,omitempty"`
	Port            int                  `json:"port"`
	Status          domain.ProjectStatus `json:"status"`
	StatusError     string               `json:"status_error,omitempty"`
	LastDeliveryID  string               `json:"last_delivery_id,omitempty"`
	LastCommitSHA   string               `json:"last_commit_sha,omitempty"`
	GitHub          *bindingView         `json:"github,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

func newProjectView(p domain.Project, binding *domain.RepoBinding) projectView {
	view := projectView{
		ID:              p.ID,
		ServerID:        p.ServerID,
		Name:            p.Name,
		RepoURL:         p.RepoURL,
		Branch:          p.Branch,
		InstallCommand:  p.InstallCommand,
		BuildCommand:    p.BuildCommand,
		StartCommand:    p.StartCommand,
		OutputDirectory: p.OutputDirectory,
		Port:            p.Port,
		Status:          p.Status,
		StatusError:     p.StatusError,
		LastDeliveryID:  p.LastDeliveryID,
		LastCommitSHA:   p.LastCommitSHA,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
	if binding != nil {
		view.GitHub = &bindingView{
			RepoID:         binding.RepoID,
			RepoFullName:   binding.RepoFullName,
			SelectedBranch: binding.SelectedBranch,
			Active:         binding.Active,
		}
	}
	return view
}

type redeployView struct {
	ID          string              `json:"id"`
	ProjectID   string              `json:"project_id"`
	Cause       domain.TriggerCause `json:"cause"`
	DeliveryID  string              `json:"delivery_id,omitempty"`
	CommitSHA   string              `json:"commit_sha,omitempty"`
	Status      string              `json:"status"`
	Error       string              `json:"error,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}
