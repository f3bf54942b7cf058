package product

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/commercelab/spikes"
)

// Command type names, recorded with idempotency rows and outbox events.
const (
	CommandCreate      = "product.create"
	CommandUpdate      = "product.update"
	CommandChangePrice = "product.change_price"
	CommandActivate    = "product.activate"
	CommandDiscontinue = "product.discontinue"
	CommandDelete      = "product.delete"
)

// CreateProduct creates a DRAFT aggregate.
type CreateProduct struct {
	SKU            string `validate:"required,max=64"`
	Name           string `validate:"required,max=256"`
	Description    string `validate:"max=4096"`
	PriceCents     int64  `validate:"gte=0"`
	IdempotencyKey string
}

// UpdateProduct replaces name/description.
type UpdateProduct struct {
	ID              spikes.UUID
	Name            string `validate:"required,max=256"`
	Description     string `validate:"max=4096"`
	ExpectedVersion int64  `validate:"gt=0"`
	IdempotencyKey  string
}

// ChangePrice sets a new price; ConfirmLarge overrides the threshold guard.
type ChangePrice struct {
	ID              spikes.UUID
	NewPriceCents   int64 `validate:"gte=0"`
	ConfirmLarge    bool
	ExpectedVersion int64 `validate:"gt=0"`
	IdempotencyKey  string
}

// ActivateProduct transitions DRAFT to ACTIVE.
type ActivateProduct struct {
	ID              spikes.UUID
	ExpectedVersion int64 `validate:"gt=0"`
	IdempotencyKey  string
}

// DiscontinueProduct transitions to DISCONTINUED.
type DiscontinueProduct struct {
	ID              spikes.UUID
	Reason          string `validate:"max=1024"`
	ExpectedVersion int64  `validate:"gt=0"`
	IdempotencyKey  string
}

// DeleteProduct soft-deletes the aggregate.
type DeleteProduct struct {
	ID              spikes.UUID
	DeletedBy       string `validate:"max=256"`
	ExpectedVersion int64  `validate:"gt=0"`
	IdempotencyKey  string
}

// validateCommand runs struct validation and converts failures into the
// VALIDATION_FAILED error shape with per-field details.
func validateCommand(v *validator.Validate, cmd any) error {
	err := v.Struct(cmd)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return spikes.NewError(spikes.ValidationFailed, err)
	}
	fields := make([]map[string]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, map[string]string{
			"field":      fe.Field(),
			"constraint": fe.Tag(),
		})
	}
	return spikes.NewErrorWithDetails(spikes.ValidationFailed,
		fmt.Errorf("command validation failed: %w", err),
		map[string]any{"fieldErrors": fields})
}
