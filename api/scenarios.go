/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	shop-floor data. Every scenario goes through the allocation engine, so
	loaded data always satisfies the conservation audit.

AVAILABLE SCENARIOS:

	worked-example: One material, two machines, one allocation and a return
	shop-floor:     Several materials and machines, reallocation, low stock
	empty-floor:    Materials and machines registered, nothing allocated

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Register users and machines
 3. Open materials with their opening stock
 4. Run AllocateStock / UpdateAllocation calls

USAGE VIA API:

	POST /api/scenarios/load
	{"scenarioId": "worked-example"}

USAGE VIA CLI:

	stock-engine seed --scenario shop-floor

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add it to the loaders map

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler dependencies
  - cmd/server/commands.go: seed command
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/stock-engine/stock"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "worked-example",
		Name:        "Worked Example",
		Description: "100 fittings, 40 to Press A and 30 to Press B, then 30 returned from Press A",
	},
	{
		ID:          "shop-floor",
		Name:        "Shop Floor",
		Description: "Three materials across four machines with a reallocation and one material below minimum",
	},
	{
		ID:          "empty-floor",
		Name:        "Empty Floor",
		Description: "Materials and machines registered, no allocations yet",
	},
}

// ErrUnknownScenario is returned by Seed for an unregistered scenario ID.
var ErrUnknownScenario = errors.New("unknown scenario")

// ErrResetUnsupported is returned by Seed when the store cannot be cleared.
var ErrResetUnsupported = errors.New("store does not support reset")

// Scenarios returns the available scenarios.
func Scenarios() []ScenarioDTO {
	out := make([]ScenarioDTO, len(scenarios))
	copy(out, scenarios)
	return out
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	current := h.currentScenario
	h.mu.RUnlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a demo scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.Seed(r.Context(), req.ScenarioID)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownScenario):
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	default:
		h.writeDomainError(w, r, "load scenario", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// Seed resets the store and loads the named scenario.
func (h *Handler) Seed(ctx context.Context, id string) error {
	loaders := map[string]func(context.Context) error{
		"worked-example": h.loadWorkedExampleScenario,
		"shop-floor":     h.loadShopFloorScenario,
		"empty-floor":    h.loadEmptyFloorScenario,
	}
	load, ok := loaders[id]
	if !ok {
		return ErrUnknownScenario
	}

	resetter, ok := h.Store.(stock.Resetter)
	if !ok {
		return ErrResetUnsupported
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := resetter.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset database: %w", err)
	}
	h.currentScenario = ""
	h.Metrics.MaterialStock.Reset()

	if err := load(ctx); err != nil {
		return fmt.Errorf("failed to load scenario %s: %w", id, err)
	}
	h.currentScenario = id

	materials, err := h.Store.ListMaterials(ctx)
	if err != nil {
		return err
	}
	for _, m := range materials {
		h.Metrics.stock(m.ID, m.CurrentStock)
	}

	h.Logger.WithFields(logrus.Fields{
		"scenario":  id,
		"materials": len(materials),
	}).Info("scenario loaded")
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// Matches the documented example: 100 → 30 after allocating, 60 after the return.
func (h *Handler) loadWorkedExampleScenario(ctx context.Context) error {
	if err := h.seedDirectory(ctx,
		[]stock.User{{ID: "planner", Name: "Production Planner", Email: "planner@example.com"}},
		[]stock.Machine{
			{ID: "press-a", Name: "Press A", Location: "Hall 1"},
			{ID: "press-b", Name: "Press B", Location: "Hall 1"},
			{ID: "press-c", Name: "Press C", Location: "Hall 2"},
		},
	); err != nil {
		return err
	}

	if err := h.openMaterial(ctx, stock.Material{
		ID: "M1", Name: "Hydraulic fitting", PartNumber: "HF-1/2",
		CurrentStock: 100, MinimumStock: 10, UnitCost: decimal.RequireFromString("3.40"),
	}); err != nil {
		return err
	}

	res, err := h.Engine.AllocateStock(ctx, "M1", []stock.AllocationRequest{
		{MachineID: "press-a", Amount: 40},
		{MachineID: "press-b", Amount: 30},
	}, "planner")
	if err != nil {
		return err
	}

	_, err = h.Engine.UpdateAllocation(ctx, res.Allocations[0].ID, 10, "Job finished early, surplus returned.", "planner")
	return err
}

func (h *Handler) loadShopFloorScenario(ctx context.Context) error {
	if err := h.seedDirectory(ctx,
		[]stock.User{
			{ID: "planner", Name: "Production Planner", Email: "planner@example.com"},
			{ID: "lead", Name: "Shift Lead", Email: "lead@example.com"},
		},
		[]stock.Machine{
			{ID: "lathe-1", Name: "CNC Lathe 1", Location: "Hall 1"},
			{ID: "lathe-2", Name: "CNC Lathe 2", Location: "Hall 1"},
			{ID: "mill-1", Name: "Vertical Mill", Location: "Hall 2"},
			{ID: "press-1", Name: "Hydraulic Press", Location: "Hall 3"},
		},
	); err != nil {
		return err
	}

	materials := []stock.Material{
		{ID: "bearing-6204", Name: "Spindle bearing", PartNumber: "SB-6204",
			CurrentStock: 48, MinimumStock: 12, UnitCost: decimal.RequireFromString("12.75")},
		{ID: "coolant-5l", Name: "Cutting coolant 5L", PartNumber: "CC-5",
			CurrentStock: 20, MinimumStock: 8, UnitCost: decimal.RequireFromString("18.90")},
		{ID: "insert-cnmg", Name: "Turning insert CNMG", PartNumber: "CNMG-120408",
			CurrentStock: 200, MinimumStock: 50, UnitCost: decimal.RequireFromString("4.15")},
	}
	for _, m := range materials {
		if err := h.openMaterial(ctx, m); err != nil {
			return err
		}
	}

	steps := []struct {
		material stock.MaterialID
		lines    []stock.AllocationRequest
		actor    stock.UserID
	}{
		{"bearing-6204", []stock.AllocationRequest{{MachineID: "lathe-1", Amount: 8}, {MachineID: "lathe-2", Amount: 8}}, "planner"},
		{"insert-cnmg", []stock.AllocationRequest{{MachineID: "lathe-1", Amount: 60}, {MachineID: "lathe-2", Amount: 40}}, "planner"},
		{"coolant-5l", []stock.AllocationRequest{{MachineID: "lathe-1", Amount: 4}, {MachineID: "mill-1", Amount: 6}}, "lead"},
		// Reallocation: lathe-2 needs fewer inserts, the mill gets some.
		{"insert-cnmg", []stock.AllocationRequest{{MachineID: "lathe-2", Amount: 25}, {MachineID: "mill-1", Amount: 30}}, "lead"},
		// Pushes coolant below its minimum of 8.
		{"coolant-5l", []stock.AllocationRequest{{MachineID: "press-1", Amount: 5}}, "lead"},
	}
	for _, s := range steps {
		if _, err := h.Engine.AllocateStock(ctx, s.material, s.lines, s.actor); err != nil {
			return err
		}
	}

	rec, err := h.Store.FindAllocation(ctx, "bearing-6204", "lathe-1")
	if err != nil {
		return err
	}
	if rec == nil {
		return stock.ErrAllocationNotFound
	}
	_, err = h.Engine.UpdateAllocation(ctx, rec.ID, 2, "Bearing swap postponed to next maintenance window.", "lead")
	return err
}

func (h *Handler) loadEmptyFloorScenario(ctx context.Context) error {
	if err := h.seedDirectory(ctx,
		[]stock.User{{ID: "planner", Name: "Production Planner"}},
		[]stock.Machine{
			{ID: "lathe-1", Name: "CNC Lathe 1", Location: "Hall 1"},
			{ID: "mill-1", Name: "Vertical Mill", Location: "Hall 2"},
		},
	); err != nil {
		return err
	}
	return h.openMaterial(ctx, stock.Material{
		ID: "bolt-m8", Name: "Hex bolt M8x40", PartNumber: "DIN933-M8x40",
		CurrentStock: 500, MinimumStock: 100, UnitCost: decimal.RequireFromString("0.12"),
	})
}

func (h *Handler) seedDirectory(ctx context.Context, users []stock.User, machines []stock.Machine) error {
	for _, u := range users {
		if err := h.Store.CreateUser(ctx, u); err != nil {
			return err
		}
	}
	now := h.Engine.Now().UTC()
	for _, m := range machines {
		m.CreatedAt = now
		if err := h.Store.CreateMachine(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) openMaterial(ctx context.Context, m stock.Material) error {
	_, err := h.Ledger.Open(ctx, m, nil)
	return err
}
