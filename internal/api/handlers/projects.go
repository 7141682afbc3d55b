package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolbridge/toolbridge/internal/errs"
	"github.com/toolbridge/toolbridge/internal/store"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// Management surface: projects and agents. These routes are meant to sit
// behind the deployment's operator authentication, not agent API keys.

type createProjectRequest struct {
	OrgID            string            `json:"org_id"`
	Name             string            `json:"name"`
	VisibilityAccess models.Visibility `json:"visibility_access,omitempty"`
}

func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OrgID == "" || req.Name == "" {
		respondError(w, http.StatusBadRequest, "org_id and name are required")
		return
	}
	if req.VisibilityAccess == "" {
		req.VisibilityAccess = models.VisibilityPublic
	}

	existing, err := h.Store.ListProjectsByOrg(r.Context(), req.OrgID)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(existing) >= h.MaxProjectsPerOrg {
		writeError(w, errs.MaxProjectsReached("org=%s already has %d projects", req.OrgID, len(existing)))
		return
	}

	project := &models.Project{
		ID:               uuid.New(),
		OrgID:            req.OrgID,
		Name:             req.Name,
		VisibilityAccess: req.VisibilityAccess,
	}
	if err := h.Store.CreateProject(r.Context(), project); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, project)
}

func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		respondError(w, http.StatusBadRequest, "org_id is required")
		return
	}
	projects, err := h.Store.ListProjectsByOrg(r.Context(), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	if projects == nil {
		projects = []models.Project{}
	}
	respondJSON(w, http.StatusOK, projects)
}

// projectByID parses and loads the project from the URL.
func (h *Handlers) projectByID(r *http.Request) (*models.Project, error) {
	id, err := uuid.Parse(chi.URLParam(r, "projectID"))
	if err != nil {
		return nil, errs.ProjectNotFound("invalid project id")
	}
	project, err := h.Store.GetProject(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errs.ProjectNotFound("project with id=%s not found", id)
		}
		return nil, err
	}
	return project, nil
}

func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.projectByID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, project)
}

func (h *Handlers) DeleteProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.projectByID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Store.DeleteProject(r.Context(), project.ID); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "project_id": project.ID.String()})
}

type agentRequest struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	AllowedApps        []string          `json:"allowed_apps"`
	CustomInstructions map[string]string `json:"custom_instructions"`
}

func validateCustomInstructions(instructions map[string]string) error {
	for fn, text := range instructions {
		if !models.ValidFunctionName(fn) {
			return errs.InvalidFunctionInput("custom instruction key %q is not a function name", fn)
		}
		if text == "" {
			return errs.InvalidFunctionInput("custom instruction for %s is empty", fn)
		}
		if len(text) > models.MaxCustomInstructionLength {
			return errs.InvalidFunctionInput("custom instruction for %s exceeds %d characters", fn, models.MaxCustomInstructionLength)
		}
	}
	return nil
}

// CreateAgent creates the agent together with its API key. The plaintext
// key is returned exactly once; only its ciphertext and HMAC persist.
func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	project, err := h.projectByID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req agentRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := validateCustomInstructions(req.CustomInstructions); err != nil {
		writeError(w, err)
		return
	}

	siblings, err := h.Store.ListAgents(r.Context(), project.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(siblings) >= h.MaxAgentsPerProject {
		writeError(w, errs.MaxAgentsReached("project=%s already has %d agents", project.ID, len(siblings)))
		return
	}

	plaintext, err := newAPIKey()
	if err != nil {
		writeError(w, err)
		return
	}
	ciphertext, err := h.Crypto.Encrypt(r.Context(), []byte(plaintext))
	if err != nil {
		log.Error().Err(err).Msg("failed to encrypt api key")
		writeError(w, errs.UnexpectedError("failed to protect api key"))
		return
	}

	agent := &models.Agent{
		ID:                 uuid.New(),
		ProjectID:          project.ID,
		Name:               req.Name,
		Description:        req.Description,
		AllowedApps:        req.AllowedApps,
		CustomInstructions: req.CustomInstructions,
	}
	key := &models.APIKey{
		ID:            uuid.New(),
		AgentID:       agent.ID,
		KeyCiphertext: hex.EncodeToString(ciphertext),
		KeyHMAC:       h.Crypto.HMAC(plaintext),
		Status:        models.APIKeyStatusActive,
	}
	if err := h.Store.CreateAgent(r.Context(), agent, key); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"agent": agent, "api_key": plaintext})
}

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	project, err := h.projectByID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	agents, err := h.Store.ListAgents(r.Context(), project.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	respondJSON(w, http.StatusOK, agents)
}

// agentByID loads an agent and verifies it belongs to the URL's project.
func (h *Handlers) agentByID(r *http.Request, project *models.Project) (*models.Agent, error) {
	id, err := uuid.Parse(chi.URLParam(r, "agentID"))
	if err != nil {
		return nil, errs.AgentNotFound("invalid agent id")
	}
	agent, err := h.Store.GetAgent(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errs.AgentNotFound("agent with id=%s not found", id)
		}
		return nil, err
	}
	if agent.ProjectID != project.ID {
		return nil, errs.AgentNotFound("agent with id=%s not found", id)
	}
	return agent, nil
}

func (h *Handlers) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	project, err := h.projectByID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	agent, err := h.agentByID(r, project)
	if err != nil {
		writeError(w, err)
		return
	}

	var req agentRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateCustomInstructions(req.CustomInstructions); err != nil {
		writeError(w, err)
		return
	}

	if req.Name != "" {
		agent.Name = req.Name
	}
	if req.Description != "" {
		agent.Description = req.Description
	}
	if req.AllowedApps != nil {
		agent.AllowedApps = req.AllowedApps
	}
	if req.CustomInstructions != nil {
		agent.CustomInstructions = req.CustomInstructions
	}
	if err := h.Store.UpdateAgent(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	project, err := h.projectByID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	agent, err := h.agentByID(r, project)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Store.DeleteAgent(r.Context(), agent.ID); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "agent_id": agent.ID.String()})
}

// newAPIKey returns a fresh 256-bit key as lowercase hex.
func newAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errs.UnexpectedError("failed to generate api key")
	}
	return hex.EncodeToString(buf), nil
}
