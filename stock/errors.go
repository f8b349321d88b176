/*
errors.go - Centralized error types for the stock ledger

PURPOSE:
  All error types in one place. Stores return the sentinels directly;
  the engine returns them or wraps them in structured errors.

ERROR CATEGORIES:
  1. Not found     - material, machine, or allocation missing
  2. Client errors - invalid amounts, empty requests, insufficient stock
  3. Store errors  - anything else (surfaced as unexpected)

USAGE:
  if errors.Is(err, stock.ErrInsufficientStock) {
      var short *stock.InsufficientStockError
      if errors.As(err, &short) { ... short.Available ... }
  }

SEE ALSO:
  - api/handlers.go: maps these errors to HTTP status codes
*/
package stock

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrMaterialNotFound   = errors.New("material not found")
	ErrMachineNotFound    = errors.New("machine not found")
	ErrAllocationNotFound = errors.New("allocation not found")

	// ErrInvalidAmount is returned for a non-positive allocation amount,
	// or a negative target on update.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrNoAllocations is returned when AllocateStock gets an empty list.
	ErrNoAllocations = errors.New("at least one allocation is required")

	// ErrInsufficientStock is returned when a movement would take
	// CurrentStock below zero.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrDuplicateAllocation is returned by stores when a second record is
	// created for an existing (material, machine) pair.
	ErrDuplicateAllocation = errors.New("allocation already exists for material and machine")

	// ErrDuplicateID is returned when creating a material or machine whose ID is taken.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrConcurrentModification is returned when a guarded record write
	// finds the record changed since it was read.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientStockError describes a rejected movement.
type InsufficientStockError struct {
	MaterialID MaterialID
	Available  int64
	Requested  int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for material %s: available %d, requested %d",
		e.MaterialID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// AmountError describes which allocation line carried an invalid amount.
type AmountError struct {
	MachineID MachineID
	Amount    int64
}

func (e *AmountError) Error() string {
	if e.MachineID == "" {
		return fmt.Sprintf("invalid amount %d", e.Amount)
	}
	return fmt.Sprintf("invalid amount %d for machine %s", e.Amount, e.MachineID)
}

func (e *AmountError) Unwrap() error {
	return ErrInvalidAmount
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMaterialNotFound) ||
		errors.Is(err, ErrMachineNotFound) ||
		errors.Is(err, ErrAllocationNotFound)
}

// IsClientError returns true if the error is due to invalid client input
// or a business rule rejection.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrNoAllocations) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrDuplicateAllocation) ||
		errors.Is(err, ErrDuplicateID)
}
