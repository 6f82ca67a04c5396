package api

import (
	"net/http"
	"strconv"

	"github.com/machinist/machinist/pkg/engine"
)

type createMachineRequest struct {
	Name              string            `json:"name" validate:"required,max=255"`
	ProviderAccountID string            `json:"provider_account_id" validate:"required"`
	Region            string            `json:"region" validate:"required"`
	Size              string            `json:"size" validate:"required"`
	Image             string            `json:"image" validate:"required"`
	SSHKeyID          string            `json:"ssh_key_id,omitempty"`
	FirewallID        string            `json:"firewall_id,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
	UserData          string            `json:"user_data,omitempty"`
	BootstrapScript   string            `json:"bootstrap_script,omitempty"`
}

type deploymentResponse struct {
	Deployment *engine.Deployment `json:"deployment"`
	Machine    *engine.Machine    `json:"machine,omitempty"`
}

func (s *Server) handleCreateMachine(w http.ResponseWriter, r *http.Request) {
	var req createMachineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, engine.NewValidationError(err.Error()))
		return
	}

	params := engine.DeploymentParams{
		Name:              req.Name,
		ProviderAccountID: req.ProviderAccountID,
		Region:            req.Region,
		Size:              req.Size,
		Image:             req.Image,
		SSHKeyID:          req.SSHKeyID,
		FirewallID:        req.FirewallID,
		Tags:              req.Tags,
		UserData:          req.UserData,
		BootstrapScript:   req.BootstrapScript,
	}

	deployment, machine, err := s.orch.Submit(r.Context(), engine.DeploymentCreate, "", params, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deploymentResponse{Deployment: deployment, Machine: machine})
}

// machineActionRequest carries the optional parameters of non-create
// deployments. Only restart-service and update read any of them.
type machineActionRequest struct {
	Service         string            `json:"service,omitempty"`
	Size            string            `json:"size,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
	FirewallID      string            `json:"firewall_id,omitempty"`
	BootstrapScript string            `json:"bootstrap_script,omitempty"`
}

func (s *Server) machineAction(dtype engine.DeploymentType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req machineActionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}

		params := engine.DeploymentParams{
			Service:         req.Service,
			Size:            req.Size,
			Tags:            req.Tags,
			FirewallID:      req.FirewallID,
			BootstrapScript: req.BootstrapScript,
		}

		deployment, machine, err := s.orch.Submit(r.Context(), dtype, r.PathValue("id"), params, actorFrom(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, deploymentResponse{Deployment: deployment, Machine: machine})
	}
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	machines, err := s.store.ListMachines(r.Context(), includeDeleted)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"machines": machines})
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	machine, err := s.store.GetMachine(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, machine)
}

func (s *Server) handleListMachineDeployments(w http.ResponseWriter, r *http.Request) {
	machineID := r.PathValue("id")
	if _, err := s.store.GetMachine(r.Context(), machineID); err != nil {
		writeError(w, err)
		return
	}
	deployments, err := s.store.ListDeploymentsByMachine(r.Context(), machineID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deployments": deployments})
}

func pageParams(r *http.Request) (limit, offset int) {
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
