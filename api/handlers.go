/*
handlers.go - HTTP API handlers for the stock allocation ledger

PURPOSE:
  Exposes the allocation engine via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to package stock.

ENDPOINTS:
  Allocations:
    POST   /api/allocate                         Allocate stock to machines
    GET    /api/allocate/allocates               List every allocation record
    GET    /api/allocate/material/{materialId}   Allocations of one material
    GET    /api/allocate/machine/{machineId}/history  Per-machine history
    PUT    /api/allocate/{id}                    Update or return an allocation

  Inventory:
    GET    /api/materials                        List materials
    POST   /api/materials                        Create material with opening stock
    GET    /api/materials/{id}                   Material with history and valuation
    GET    /api/materials/{id}/audit             Conservation audit
    GET    /api/machines                         List machines
    POST   /api/machines                         Register machine
    POST   /api/users                            Register user

  Scenarios:
    GET    /api/scenarios                        List demo scenarios
    POST   /api/scenarios/load                   Load a demo scenario

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Transactional persistence
  - Engine / Query / Auditor: Domain services over the same store
  - Metrics / Logger: Ambient concerns

REQUEST FLOW:
  1. Decode and validate the body (validator tags on DTOs)
  2. Call the domain service
  3. Record metrics
  4. Serialize response, or map the error in writeDomainError

ERROR HANDLING:
  Errors are returned as JSON {error, details} with status:
  - 400: Validation errors, invalid amounts, insufficient stock
  - 404: Material, machine or allocation not found
  - 409: Duplicate IDs, concurrent modification (safe to retry)
  - 500: Internal errors (logged with the originating error)

SECURITY NOTE:
  No authentication or authorization. userId in a body is an audit hint
  only: an unknown user is dropped from history, never rejected.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/stock-engine/stock"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   stock.TxStore
	Engine  *stock.Engine
	Query   *stock.Query
	Auditor *stock.Auditor
	Ledger  *stock.Ledger
	Metrics *Metrics
	Logger  *logrus.Logger

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.RWMutex
	currentScenario string
}

// NewHandler creates a new handler over the given store.
func NewHandler(store stock.TxStore, logger *logrus.Logger, metrics *Metrics) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Handler{
		Store:    store,
		Engine:   stock.NewEngine(store),
		Query:    stock.NewQuery(store),
		Auditor:  stock.NewAuditor(store),
		Ledger:   stock.NewLedger(store),
		Metrics:  metrics,
		Logger:   logger,
		validate: newValidator(),
	}
}

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

// AllocateStock reserves material for one or more machines.
// POST /api/allocate
func (h *Handler) AllocateStock(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !h.decode(w, r, &req) {
		return
	}

	lines := make([]stock.AllocationRequest, len(req.Allocations))
	for i, l := range req.Allocations {
		lines[i] = stock.AllocationRequest{MachineID: stock.MachineID(l.MachineID), Amount: l.AllocatedStock}
	}

	materialID := stock.MaterialID(req.MaterialID)
	res, err := h.Engine.AllocateStock(r.Context(), materialID, lines, stock.UserID(req.UserID))
	h.Metrics.observe("allocate", err)
	if err != nil {
		h.writeDomainError(w, r, "allocate stock", err)
		return
	}
	h.Metrics.moved(-res.NetCharged)
	h.Metrics.stock(materialID, res.UpdatedStock)

	dtos := make([]AllocationDTO, len(res.Allocations))
	for i, a := range res.Allocations {
		dtos[i] = toAllocationDTO(a)
	}
	writeJSON(w, http.StatusOK, AllocateResponse{
		Message:      "Stock allocated successfully",
		UpdatedStock: res.UpdatedStock,
		Allocations:  dtos,
	})
}

// UpdateAllocation changes one record's reservation. Lowering it returns stock.
// PUT /api/allocate/{id}
func (h *Handler) UpdateAllocation(w http.ResponseWriter, r *http.Request) {
	id := stock.AllocationID(chi.URLParam(r, "id"))

	var req UpdateAllocationRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Engine.UpdateAllocation(r.Context(), id, *req.AllocatedStock, req.Comment, stock.UserID(req.UserID))
	h.Metrics.observe("update", err)
	if err != nil {
		h.writeDomainError(w, r, "update allocation", err)
		return
	}
	if n := len(res.Allocation.History); n > 0 {
		h.Metrics.moved(-res.Allocation.History[n-1].Delta())
	}
	h.Metrics.stock(res.Allocation.MaterialID, res.UpdatedMaterialStock)

	writeJSON(w, http.StatusOK, UpdateAllocationResponse{
		Message:              "Allocation updated successfully",
		Allocation:           toAllocationDTO(res.Allocation),
		UpdatedMaterialStock: res.UpdatedMaterialStock,
	})
}

// ListAllocations returns every allocation record with identities resolved.
// GET /api/allocate/allocates
func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	views, err := h.Query.ListAllocations(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "list allocations", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationViewDTOs(views))
}

// ListAllocationsForMaterial returns the allocation records of one material.
// GET /api/allocate/material/{materialId}
func (h *Handler) ListAllocationsForMaterial(w http.ResponseWriter, r *http.Request) {
	materialID := stock.MaterialID(chi.URLParam(r, "materialId"))

	views, err := h.Query.ListAllocationsForMaterial(r.Context(), materialID)
	if err != nil {
		h.writeDomainError(w, r, "list allocations", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationViewDTOs(views))
}

// GetMachineStockHistory returns {material, history} for each record of a machine.
// GET /api/allocate/machine/{machineId}/history
func (h *Handler) GetMachineStockHistory(w http.ResponseWriter, r *http.Request) {
	machineID := stock.MachineID(chi.URLParam(r, "machineId"))

	history, err := h.Query.GetMachineStockHistory(r.Context(), machineID)
	if err != nil {
		h.writeDomainError(w, r, "get machine history", err)
		return
	}

	dtos := make([]MachineHistoryDTO, len(history))
	for i, mh := range history {
		dtos[i] = MachineHistoryDTO{
			AllocationID: string(mh.AllocationID),
			Material:     toMaterialRefDTO(mh.Material),
			History:      toAllocationHistoryDTOs(mh.History),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func toAllocationViewDTOs(views []stock.AllocationView) []AllocationDTO {
	dtos := make([]AllocationDTO, len(views))
	for i, v := range views {
		dtos[i] = toAllocationViewDTO(v)
	}
	return dtos
}

// =============================================================================
// MATERIAL HANDLERS
// =============================================================================

// ListMaterials returns all materials without history.
// GET /api/materials
func (h *Handler) ListMaterials(w http.ResponseWriter, r *http.Request) {
	materials, err := h.Query.ListMaterials(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "list materials", err)
		return
	}

	dtos := make([]MaterialDTO, len(materials))
	for i, m := range materials {
		dtos[i] = toMaterialDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateMaterial creates a material and records its opening stock.
// POST /api/materials
func (h *Handler) CreateMaterial(w http.ResponseWriter, r *http.Request) {
	var req CreateMaterialRequest
	if !h.decode(w, r, &req) {
		return
	}

	unitCost := decimal.Zero
	if req.UnitCost != "" {
		var err error
		if unitCost, err = decimal.NewFromString(req.UnitCost); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid unitCost", err)
			return
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ctx := r.Context()
	var actor *stock.UserID
	if req.UserID != "" {
		if u, err := h.Store.GetUser(ctx, stock.UserID(req.UserID)); err == nil && u != nil {
			actor = &u.ID
		}
	}

	m, err := h.Ledger.Open(ctx, stock.Material{
		ID:           stock.MaterialID(req.ID),
		Name:         req.Name,
		PartNumber:   req.PartNumber,
		CurrentStock: req.CurrentStock,
		MinimumStock: req.MinimumStock,
		UnitCost:     unitCost,
	}, actor)
	if err != nil {
		h.writeDomainError(w, r, "create material", err)
		return
	}
	h.Metrics.stock(m.ID, m.CurrentStock)

	writeJSON(w, http.StatusCreated, toMaterialDTO(*m))
}

// GetMaterial returns a material with history, allocation totals and valuation.
// GET /api/materials/{id}
func (h *Handler) GetMaterial(w http.ResponseWriter, r *http.Request) {
	id := stock.MaterialID(chi.URLParam(r, "id"))

	summary, err := h.Query.GetMaterial(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "get material", err)
		return
	}
	writeJSON(w, http.StatusOK, toMaterialSummaryDTO(*summary))
}

// AuditMaterial checks one material against the conservation invariant.
// GET /api/materials/{id}/audit
func (h *Handler) AuditMaterial(w http.ResponseWriter, r *http.Request) {
	id := stock.MaterialID(chi.URLParam(r, "id"))

	report, err := h.Auditor.Check(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "audit material", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditReportDTO(*report))
}

// =============================================================================
// DIRECTORY HANDLERS
// =============================================================================

// ListMachines returns all machines.
// GET /api/machines
func (h *Handler) ListMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := h.Query.ListMachines(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "list machines", err)
		return
	}

	dtos := make([]MachineDTO, len(machines))
	for i, m := range machines {
		dtos[i] = toMachineDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateMachine registers a machine.
// POST /api/machines
func (h *Handler) CreateMachine(w http.ResponseWriter, r *http.Request) {
	var req CreateMachineRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	m := stock.Machine{
		ID:        stock.MachineID(req.ID),
		Name:      req.Name,
		Location:  req.Location,
		CreatedAt: h.Engine.Now().UTC(),
	}
	if err := h.Store.CreateMachine(r.Context(), m); err != nil {
		h.writeDomainError(w, r, "create machine", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMachineDTO(m))
}

// CreateUser registers a user that can be credited in history entries.
// POST /api/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	u := stock.User{ID: stock.UserID(req.ID), Name: req.Name, Email: req.Email}
	if err := h.Store.CreateUser(r.Context(), u); err != nil {
		h.writeDomainError(w, r, "create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, UserDTO{ID: string(u.ID), Name: u.Name, Email: u.Email})
}

// Healthz reports liveness.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and validates it. On failure the
// response is already written and false is returned.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "Validation failed",
				Details: validationDetails(verrs),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// validationDetails maps each failing field path to the rule it broke,
// e.g. "allocations[0].allocatedStock": "gt".
func validationDetails(verrs validator.ValidationErrors) map[string]string {
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		details[field] = fe.Tag()
	}
	return details
}

// writeDomainError maps an error from package stock to an HTTP response.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, action string, err error) {
	var short *stock.InsufficientStockError
	switch {
	case errors.As(err, &short):
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Insufficient stock. Remaining stock: %d", short.Available), err)
	case errors.Is(err, stock.ErrMaterialNotFound):
		writeError(w, http.StatusNotFound, "Material not found", err)
	case errors.Is(err, stock.ErrMachineNotFound):
		writeError(w, http.StatusNotFound, "Machine not found", err)
	case errors.Is(err, stock.ErrAllocationNotFound):
		writeError(w, http.StatusNotFound, "Allocation not found", err)
	case errors.Is(err, stock.ErrDuplicateID), errors.Is(err, stock.ErrDuplicateAllocation):
		writeError(w, http.StatusConflict, "Resource already exists", err)
	case stock.IsRetryable(err):
		writeError(w, http.StatusConflict, "Allocation changed concurrently, retry the request", err)
	case stock.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	default:
		h.Logger.WithFields(logrus.Fields{
			"action":     action,
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "Failed to "+action, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
