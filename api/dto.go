/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the stock domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Response wrappers carrying a message

JSON KEYS:
  camelCase (materialId, allocatedStock, updatedStock). Existing shop-floor
  clients already speak this shape.

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  Handler.decode, which rejects a body before any domain call is made.
  Business rules (stock sufficiency, existence) stay in package stock.

SEE ALSO:
  - handlers.go: Uses these types
  - stock/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/stock"
)

// =============================================================================
// ALLOCATION REQUESTS
// =============================================================================

// AllocateRequest is the body of POST /api/allocate.
type AllocateRequest struct {
	MaterialID  string           `json:"materialId" validate:"required"`
	Allocations []AllocationLine `json:"allocations" validate:"required,min=1,dive"`
	UserID      string           `json:"userId"`
}

// AllocationLine sets one machine's reservation to AllocatedStock.
type AllocationLine struct {
	MachineID      string `json:"machineId" validate:"required"`
	AllocatedStock int64  `json:"allocatedStock" validate:"gt=0,lte=1000000000000"`
}

// UpdateAllocationRequest is the body of PUT /api/allocate/{id}.
// AllocatedStock is a pointer so that an explicit 0 (full return) is
// distinguishable from a missing field.
type UpdateAllocationRequest struct {
	AllocatedStock *int64 `json:"allocatedStock" validate:"required,gte=0,lte=1000000000000"`
	UserID         string `json:"userId"`
	Comment        string `json:"comment" validate:"max=500"`
}

// AllocateResponse is returned by POST /api/allocate.
type AllocateResponse struct {
	Message      string          `json:"message"`
	UpdatedStock int64           `json:"updatedStock"`
	Allocations  []AllocationDTO `json:"allocations"`
}

// UpdateAllocationResponse is returned by PUT /api/allocate/{id}.
type UpdateAllocationResponse struct {
	Message              string        `json:"message"`
	Allocation           AllocationDTO `json:"allocation"`
	UpdatedMaterialStock int64         `json:"updatedMaterialStock"`
}

// =============================================================================
// ALLOCATION VIEWS
// =============================================================================

type MaterialRefDTO struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PartNumber string `json:"partNumber,omitempty"`
}

type MachineRefDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
}

// AllocationDTO represents an allocation record. Material and Machine are
// only populated on list endpoints, where identities are resolved.
type AllocationDTO struct {
	ID             string                 `json:"id"`
	MaterialID     string                 `json:"materialId"`
	MachineID      string                 `json:"machineId"`
	Material       *MaterialRefDTO        `json:"material,omitempty"`
	Machine        *MachineRefDTO         `json:"machine,omitempty"`
	AllocatedStock int64                  `json:"allocatedStock"`
	History        []AllocationHistoryDTO `json:"history"`
	CreatedAt      string                 `json:"createdAt"`
	UpdatedAt      string                 `json:"updatedAt"`
}

type AllocationHistoryDTO struct {
	PreviousStock int64   `json:"previousStock"`
	NewStock      int64   `json:"newStock"`
	Date          string  `json:"date"`
	Comment       string  `json:"comment"`
	ChangedBy     *string `json:"changedBy"`
}

// MachineHistoryDTO is one entry of GET /api/allocate/machine/{id}/history.
type MachineHistoryDTO struct {
	AllocationID string                 `json:"allocationId"`
	Material     MaterialRefDTO         `json:"material"`
	History      []AllocationHistoryDTO `json:"history"`
}

// =============================================================================
// INVENTORY SETUP
// =============================================================================

// CreateMaterialRequest creates a material with its opening stock.
// ID is generated when empty.
type CreateMaterialRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name" validate:"required,max=200"`
	PartNumber   string `json:"partNumber" validate:"max=64"`
	CurrentStock int64  `json:"currentStock" validate:"gte=0,lte=1000000000000"`
	MinimumStock int64  `json:"minimumStock" validate:"gte=0,lte=1000000000000"`
	UnitCost     string `json:"unitCost" validate:"omitempty,numeric"`
	UserID       string `json:"userId"`
}

// MaterialDTO represents a material. Totals and valuation are only
// filled by GET /api/materials/{id}.
type MaterialDTO struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	PartNumber     string               `json:"partNumber,omitempty"`
	CurrentStock   int64                `json:"currentStock"`
	MinimumStock   int64                `json:"minimumStock"`
	OpeningStock   int64                `json:"openingStock"`
	UnitCost       decimal.Decimal      `json:"unitCost"`
	BelowMinimum   bool                 `json:"belowMinimum"`
	TotalAllocated *int64               `json:"totalAllocated,omitempty"`
	Allocations    *int                 `json:"allocations,omitempty"`
	AvailableValue *decimal.Decimal     `json:"availableValue,omitempty"`
	AllocatedValue *decimal.Decimal     `json:"allocatedValue,omitempty"`
	History        []MaterialHistoryDTO `json:"history,omitempty"`
	CreatedAt      string               `json:"createdAt"`
}

type MaterialHistoryDTO struct {
	ChangeDate  string  `json:"changeDate"`
	Description string  `json:"description"`
	ChangedBy   *string `json:"changedBy"`
	Delta       int64   `json:"delta"`
	StockAfter  int64   `json:"stockAfter"`
}

type CreateMachineRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name" validate:"required,max=200"`
	Location string `json:"location" validate:"max=200"`
}

type MachineDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Location  string `json:"location,omitempty"`
	CreatedAt string `json:"createdAt"`
}

type CreateUserRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"omitempty,email"`
}

type UserDTO struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// AuditReportDTO is returned by GET /api/materials/{id}/audit.
type AuditReportDTO struct {
	MaterialID     string   `json:"materialId"`
	MaterialName   string   `json:"materialName"`
	CheckedAt      string   `json:"checkedAt"`
	Consistent     bool     `json:"consistent"`
	OpeningStock   int64    `json:"openingStock"`
	CurrentStock   int64    `json:"currentStock"`
	ReplayedStock  int64    `json:"replayedStock"`
	TotalAllocated int64    `json:"totalAllocated"`
	MinimumStock   int64    `json:"minimumStock"`
	BelowMinimum   bool     `json:"belowMinimum"`
	Findings       []string `json:"findings"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId" validate:"required"`
}

// ErrorResponse is the body of every non-2xx response.
// Details is a string, or a field→rule map for validation failures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAllocationDTO(r stock.AllocationRecord) AllocationDTO {
	return AllocationDTO{
		ID:             string(r.ID),
		MaterialID:     string(r.MaterialID),
		MachineID:      string(r.MachineID),
		AllocatedStock: r.AllocatedStock,
		History:        toAllocationHistoryDTOs(r.History),
		CreatedAt:      formatTime(r.CreatedAt),
		UpdatedAt:      formatTime(r.UpdatedAt),
	}
}

func toAllocationViewDTO(v stock.AllocationView) AllocationDTO {
	dto := toAllocationDTO(v.AllocationRecord)
	material := toMaterialRefDTO(v.Material)
	dto.Material = &material
	dto.Machine = &MachineRefDTO{
		ID:       string(v.Machine.ID),
		Name:     v.Machine.Name,
		Location: v.Machine.Location,
	}
	return dto
}

func toMaterialRefDTO(m stock.MaterialRef) MaterialRefDTO {
	return MaterialRefDTO{ID: string(m.ID), Name: m.Name, PartNumber: m.PartNumber}
}

func toAllocationHistoryDTOs(entries []stock.AllocationHistoryEntry) []AllocationHistoryDTO {
	dtos := make([]AllocationHistoryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AllocationHistoryDTO{
			PreviousStock: e.PreviousStock,
			NewStock:      e.NewStock,
			Date:          formatTime(e.Date),
			Comment:       e.Comment,
			ChangedBy:     userString(e.ChangedBy),
		}
	}
	return dtos
}

func toMaterialDTO(m stock.Material) MaterialDTO {
	dto := MaterialDTO{
		ID:           string(m.ID),
		Name:         m.Name,
		PartNumber:   m.PartNumber,
		CurrentStock: m.CurrentStock,
		MinimumStock: m.MinimumStock,
		OpeningStock: m.OpeningStock,
		UnitCost:     m.UnitCost,
		BelowMinimum: m.BelowMinimum(),
		CreatedAt:    formatTime(m.CreatedAt),
	}
	for _, e := range m.History {
		dto.History = append(dto.History, MaterialHistoryDTO{
			ChangeDate:  formatTime(e.ChangeDate),
			Description: e.Description,
			ChangedBy:   userString(e.ChangedBy),
			Delta:       e.Delta,
			StockAfter:  e.StockAfter,
		})
	}
	return dto
}

func toMaterialSummaryDTO(s stock.MaterialSummary) MaterialDTO {
	dto := toMaterialDTO(s.Material)
	dto.TotalAllocated = &s.TotalAllocated
	dto.Allocations = &s.Allocations
	dto.AvailableValue = &s.AvailableValue
	dto.AllocatedValue = &s.AllocatedValue
	return dto
}

func toMachineDTO(m stock.Machine) MachineDTO {
	return MachineDTO{
		ID:        string(m.ID),
		Name:      m.Name,
		Location:  m.Location,
		CreatedAt: formatTime(m.CreatedAt),
	}
}

func toAuditReportDTO(r stock.AuditReport) AuditReportDTO {
	findings := r.Findings
	if findings == nil {
		findings = []string{}
	}
	return AuditReportDTO{
		MaterialID:     string(r.MaterialID),
		MaterialName:   r.MaterialName,
		CheckedAt:      formatTime(r.CheckedAt),
		Consistent:     r.Consistent(),
		OpeningStock:   r.OpeningStock,
		CurrentStock:   r.CurrentStock,
		ReplayedStock:  r.ReplayedStock,
		TotalAllocated: r.TotalAllocated,
		MinimumStock:   r.MinimumStock,
		BelowMinimum:   r.BelowMinimum,
		Findings:       findings,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func userString(id *stock.UserID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}
