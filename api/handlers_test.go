/*
handlers_test.go - HTTP tests for the allocation endpoints

Tests for:
- The documented worked example end to end over HTTP
- Validation and error-to-status mapping
- Metrics recorded per engine call
*/
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-engine/store/sqlite"
)

func setupTestHandler(t *testing.T) (*Handler, *chi.Mux) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := NewHandler(store, logger, NewMetrics())
	return h, NewRouter(h, nil)
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// seedInventory registers material M1 (100 units), machines A, B, C and user U1.
func seedInventory(t *testing.T, router http.Handler) {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/api/materials", map[string]any{
		"id": "M1", "name": "Hydraulic fitting", "partNumber": "HF-1/2",
		"currentStock": 100, "minimumStock": 10, "unitCost": "3.40",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	for _, id := range []string{"A", "B", "C"} {
		rec := do(t, router, http.MethodPost, "/api/machines", map[string]any{"id": id, "name": "Press " + id})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	rec = do(t, router, http.MethodPost, "/api/users", map[string]any{"id": "U1", "name": "Planner", "email": "planner@example.com"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestAllocateStock_WorkedExample(t *testing.T) {
	// GIVEN: 100 units of M1 and three machines
	h, router := setupTestHandler(t)
	seedInventory(t, router)

	// WHEN: 40 go to A and 30 to B
	rec := do(t, router, http.MethodPost, "/api/allocate", map[string]any{
		"materialId": "M1",
		"userId":     "U1",
		"allocations": []map[string]any{
			{"machineId": "A", "allocatedStock": 40},
			{"machineId": "B", "allocatedStock": 30},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	allocated := decodeBody[AllocateResponse](t, rec)
	assert.Equal(t, int64(30), allocated.UpdatedStock)
	assert.NotEmpty(t, allocated.Message)
	require.Len(t, allocated.Allocations, 2)
	recordA := allocated.Allocations[0]
	assert.Equal(t, "A", recordA.MachineID)
	require.Len(t, recordA.History, 1)
	require.NotNil(t, recordA.History[0].ChangedBy)
	assert.Equal(t, "U1", *recordA.History[0].ChangedBy)

	// AND: 30 come back from A
	rec = do(t, router, http.MethodPut, "/api/allocate/"+recordA.ID, map[string]any{
		"allocatedStock": 10,
		"comment":        "Job finished early",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeBody[UpdateAllocationResponse](t, rec)
	assert.Equal(t, int64(60), updated.UpdatedMaterialStock)
	assert.Equal(t, int64(10), updated.Allocation.AllocatedStock)
	require.Len(t, updated.Allocation.History, 2)
	assert.Equal(t, "Job finished early", updated.Allocation.History[1].Comment)
	assert.Nil(t, updated.Allocation.History[1].ChangedBy)

	// AND: 70 for C is more than the 60 left
	rec = do(t, router, http.MethodPost, "/api/allocate", map[string]any{
		"materialId":  "M1",
		"allocations": []map[string]any{{"machineId": "C", "allocatedStock": 70}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Insufficient stock. Remaining stock: 60", decodeBody[ErrorResponse](t, rec).Error)

	// THEN: the read side agrees
	rec = do(t, router, http.MethodGet, "/api/allocate/material/M1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	forMaterial := decodeBody[[]AllocationDTO](t, rec)
	require.Len(t, forMaterial, 2)
	require.NotNil(t, forMaterial[0].Material)
	assert.Equal(t, "Hydraulic fitting", forMaterial[0].Material.Name)
	require.NotNil(t, forMaterial[0].Machine)
	assert.Equal(t, "Press A", forMaterial[0].Machine.Name)

	rec = do(t, router, http.MethodGet, "/api/allocate/allocates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]AllocationDTO](t, rec), 2)

	rec = do(t, router, http.MethodGet, "/api/allocate/machine/A/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[[]MachineHistoryDTO](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, "M1", history[0].Material.ID)
	assert.Len(t, history[0].History, 2)

	rec = do(t, router, http.MethodGet, "/api/materials/M1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	material := decodeBody[MaterialDTO](t, rec)
	assert.Equal(t, int64(60), material.CurrentStock)
	assert.Equal(t, int64(100), material.OpeningStock)
	require.NotNil(t, material.TotalAllocated)
	assert.Equal(t, int64(40), *material.TotalAllocated)
	require.NotNil(t, material.AvailableValue)
	assert.Equal(t, "204", material.AvailableValue.String())
	assert.Len(t, material.History, 3)

	rec = do(t, router, http.MethodGet, "/api/materials/M1/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[AuditReportDTO](t, rec)
	assert.True(t, report.Consistent, "findings: %v", report.Findings)

	// AND: metrics saw one success and one rejection per operation
	assert.Equal(t, 1.0, testutil.ToFloat64(h.Metrics.Operations.WithLabelValues("allocate", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.Metrics.Operations.WithLabelValues("allocate", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.Metrics.Operations.WithLabelValues("update", "ok")))
	assert.Equal(t, 70.0, testutil.ToFloat64(h.Metrics.UnitsMoved.WithLabelValues("allocated")))
	assert.Equal(t, 30.0, testutil.ToFloat64(h.Metrics.UnitsMoved.WithLabelValues("returned")))
	assert.Equal(t, 60.0, testutil.ToFloat64(h.Metrics.MaterialStock.WithLabelValues("M1")))
}

func TestAllocateStock_Validation(t *testing.T) {
	_, router := setupTestHandler(t)
	seedInventory(t, router)

	tests := []struct {
		name      string
		body      any
		wantField string
		wantTag   string
	}{
		{
			name:      "missing material",
			body:      map[string]any{"allocations": []map[string]any{{"machineId": "A", "allocatedStock": 1}}},
			wantField: "materialId",
			wantTag:   "required",
		},
		{
			name:      "empty allocation list",
			body:      map[string]any{"materialId": "M1", "allocations": []map[string]any{}},
			wantField: "allocations",
			wantTag:   "min",
		},
		{
			name:      "zero amount",
			body:      map[string]any{"materialId": "M1", "allocations": []map[string]any{{"machineId": "A", "allocatedStock": 0}}},
			wantField: "allocations[0].allocatedStock",
			wantTag:   "gt",
		},
		{
			name:      "negative amount",
			body:      map[string]any{"materialId": "M1", "allocations": []map[string]any{{"machineId": "A", "allocatedStock": -5}}},
			wantField: "allocations[0].allocatedStock",
			wantTag:   "gt",
		},
		{
			name: "amount above limit",
			body: map[string]any{"materialId": "M1", "allocations": []map[string]any{
				{"machineId": "A", "allocatedStock": 50},
				{"machineId": "B", "allocatedStock": int64(math.MaxInt64)},
				{"machineId": "C", "allocatedStock": int64(math.MaxInt64)},
			}},
			wantField: "allocations[1].allocatedStock",
			wantTag:   "lte",
		},
		{
			name:      "missing machine",
			body:      map[string]any{"materialId": "M1", "allocations": []map[string]any{{"allocatedStock": 5}}},
			wantField: "allocations[0].machineId",
			wantTag:   "required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/api/allocate", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			var resp struct {
				Error   string            `json:"error"`
				Details map[string]string `json:"details"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "Validation failed", resp.Error)
			assert.Equal(t, tt.wantTag, resp.Details[tt.wantField], "details: %v", resp.Details)
		})
	}

	// Nothing was written
	rec := do(t, router, http.MethodGet, "/api/allocate/allocates", nil)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestAllocateStock_ErrorStatuses(t *testing.T) {
	_, router := setupTestHandler(t)
	seedInventory(t, router)

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/allocate", bytes.NewBufferString("{not json"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown material", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/api/allocate", map[string]any{
			"materialId":  "ghost",
			"allocations": []map[string]any{{"machineId": "A", "allocatedStock": 1}},
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "Material not found", decodeBody[ErrorResponse](t, rec).Error)
	})

	t.Run("unknown machine", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/api/allocate", map[string]any{
			"materialId":  "M1",
			"allocations": []map[string]any{{"machineId": "Z", "allocatedStock": 1}},
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "Machine not found", decodeBody[ErrorResponse](t, rec).Error)
	})

	t.Run("exact stock succeeds", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/api/allocate", map[string]any{
			"materialId":  "M1",
			"allocations": []map[string]any{{"machineId": "A", "allocatedStock": 100}},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, int64(0), decodeBody[AllocateResponse](t, rec).UpdatedStock)
	})

	t.Run("unknown material history", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/api/allocate/material/ghost", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		rec = do(t, router, http.MethodGet, "/api/allocate/machine/ghost/history", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("duplicate machine", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/api/machines", map[string]any{"id": "A", "name": "Again"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestUpdateAllocation_Statuses(t *testing.T) {
	_, router := setupTestHandler(t)
	seedInventory(t, router)

	rec := do(t, router, http.MethodPost, "/api/allocate", map[string]any{
		"materialId":  "M1",
		"allocations": []map[string]any{{"machineId": "A", "allocatedStock": 60}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id := decodeBody[AllocateResponse](t, rec).Allocations[0].ID

	t.Run("missing amount", func(t *testing.T) {
		rec := do(t, router, http.MethodPut, "/api/allocate/"+id, map[string]any{"comment": "x"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), `"allocatedStock":"required"`)
	})

	t.Run("increase beyond stock", func(t *testing.T) {
		rec := do(t, router, http.MethodPut, "/api/allocate/"+id, map[string]any{"allocatedStock": 101})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Insufficient stock. Remaining stock: 40", decodeBody[ErrorResponse](t, rec).Error)
	})

	t.Run("unknown allocation", func(t *testing.T) {
		rec := do(t, router, http.MethodPut, "/api/allocate/nope", map[string]any{"allocatedStock": 1})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "Allocation not found", decodeBody[ErrorResponse](t, rec).Error)
	})

	t.Run("full return", func(t *testing.T) {
		rec := do(t, router, http.MethodPut, "/api/allocate/"+id, map[string]any{"allocatedStock": 0})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decodeBody[UpdateAllocationResponse](t, rec)
		assert.Equal(t, int64(100), resp.UpdatedMaterialStock)
		assert.Equal(t, int64(0), resp.Allocation.AllocatedStock)
		assert.Equal(t, "Allocation updated.", resp.Allocation.History[1].Comment)
	})
}

func TestMaterials_CreateAndList(t *testing.T) {
	_, router := setupTestHandler(t)

	rec := do(t, router, http.MethodPost, "/api/materials", map[string]any{"name": "Coolant", "currentStock": 5, "unitCost": "abc"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unitCost":"numeric"`)

	rec = do(t, router, http.MethodPost, "/api/materials", map[string]any{"name": "Coolant", "currentStock": -1})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/materials", map[string]any{"name": "Coolant", "currentStock": 5, "minimumStock": 8})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[MaterialDTO](t, rec)
	assert.NotEmpty(t, created.ID, "an ID is generated when none is given")
	assert.True(t, created.BelowMinimum)
	require.Len(t, created.History, 1)
	assert.Equal(t, int64(5), created.History[0].Delta)

	rec = do(t, router, http.MethodGet, "/api/materials", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]MaterialDTO](t, rec)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].History)

	rec = do(t, router, http.MethodGet, "/api/materials/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, router, http.MethodGet, "/api/materials/ghost/audit", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsAndHealthEndpoints(t *testing.T) {
	h, router := setupTestHandler(t)
	h.Metrics.observe("allocate", nil)

	rec := do(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `stock_operations_total{operation="allocate",outcome="ok"} 1`)
}
