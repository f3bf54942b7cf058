package product

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/resiliency"
	"github.com/commercelab/spikes/telemetry"
)

// HandlerOptions tune the command handler.
type HandlerOptions struct {
	// PriceChangeThresholdPct guards ACTIVE price changes; defaults to 20.
	PriceChangeThresholdPct float64
}

// Handler runs product commands through the full pipeline: rate limit,
// idempotency replay, validation, load, mutate, atomic persist (aggregate +
// idempotency + outbox), all inside the resiliency policy.
type Handler struct {
	repo     Repository
	idem     IdempotencyRepository
	uow      UnitOfWork
	policy   *resiliency.Policy
	validate *validator.Validate
	clock    spikes.Clock
	tel      *telemetry.Telemetry
	options  HandlerOptions
}

// NewHandler wires a Handler.
func NewHandler(repo Repository, idem IdempotencyRepository, uow UnitOfWork, policy *resiliency.Policy, tel *telemetry.Telemetry, clock spikes.Clock, options HandlerOptions) *Handler {
	if options.PriceChangeThresholdPct <= 0 {
		options.PriceChangeThresholdPct = DefaultPriceChangeThresholdPct
	}
	return &Handler{
		repo:     repo,
		idem:     idem,
		uow:      uow,
		policy:   policy,
		validate: validator.New(),
		clock:    clock,
		tel:      tel,
		options:  options,
	}
}

// Create handles CreateProduct.
func (h *Handler) Create(ctx context.Context, cmd CreateProduct) spikes.CommandOutcome {
	return h.handle(ctx, CommandCreate, cmd.IdempotencyKey, cmd, func(ctx context.Context) (*Product, bool, error) {
		if found, existing, err := h.repo.GetBySKU(ctx, cmd.SKU); err != nil {
			return nil, false, err
		} else if found && !existing.Deleted {
			return nil, false, spikes.NewErrorWithDetails(spikes.DuplicateSKU,
				fmt.Errorf("sku %s already exists", cmd.SKU),
				map[string]any{"sku": cmd.SKU})
		}
		p, err := NewProduct(spikes.NewUUID(), cmd.SKU, cmd.Name, cmd.Description, cmd.PriceCents, h.clock.Now())
		if err != nil {
			return nil, false, err
		}
		return p, true, nil
	})
}

// Update handles UpdateProduct.
func (h *Handler) Update(ctx context.Context, cmd UpdateProduct) spikes.CommandOutcome {
	return h.handle(ctx, CommandUpdate, cmd.IdempotencyKey, cmd, func(ctx context.Context) (*Product, bool, error) {
		p, err := h.load(ctx, cmd.ID)
		if err != nil {
			return nil, false, err
		}
		if err := p.Update(cmd.Name, cmd.Description, cmd.ExpectedVersion, h.clock.Now()); err != nil {
			return nil, false, err
		}
		return p, false, nil
	})
}

// ChangePrice handles ChangePrice.
func (h *Handler) ChangePrice(ctx context.Context, cmd ChangePrice) spikes.CommandOutcome {
	return h.handle(ctx, CommandChangePrice, cmd.IdempotencyKey, cmd, func(ctx context.Context) (*Product, bool, error) {
		p, err := h.load(ctx, cmd.ID)
		if err != nil {
			return nil, false, err
		}
		if err := p.ChangePrice(cmd.NewPriceCents, cmd.ConfirmLarge, h.options.PriceChangeThresholdPct, cmd.ExpectedVersion, h.clock.Now()); err != nil {
			return nil, false, err
		}
		return p, false, nil
	})
}

// Activate handles ActivateProduct.
func (h *Handler) Activate(ctx context.Context, cmd ActivateProduct) spikes.CommandOutcome {
	return h.handle(ctx, CommandActivate, cmd.IdempotencyKey, cmd, func(ctx context.Context) (*Product, bool, error) {
		p, err := h.load(ctx, cmd.ID)
		if err != nil {
			return nil, false, err
		}
		if err := p.Activate(cmd.ExpectedVersion, h.clock.Now()); err != nil {
			return nil, false, err
		}
		return p, false, nil
	})
}

// Discontinue handles DiscontinueProduct.
func (h *Handler) Discontinue(ctx context.Context, cmd DiscontinueProduct) spikes.CommandOutcome {
	return h.handle(ctx, CommandDiscontinue, cmd.IdempotencyKey, cmd, func(ctx context.Context) (*Product, bool, error) {
		p, err := h.load(ctx, cmd.ID)
		if err != nil {
			return nil, false, err
		}
		if err := p.Discontinue(cmd.Reason, cmd.ExpectedVersion, h.clock.Now()); err != nil {
			return nil, false, err
		}
		return p, false, nil
	})
}

// Delete handles DeleteProduct.
func (h *Handler) Delete(ctx context.Context, cmd DeleteProduct) spikes.CommandOutcome {
	return h.handle(ctx, CommandDelete, cmd.IdempotencyKey, cmd, func(ctx context.Context) (*Product, bool, error) {
		p, err := h.load(ctx, cmd.ID)
		if err != nil {
			return nil, false, err
		}
		if err := p.MarkDeleted(cmd.DeletedBy, cmd.ExpectedVersion, h.clock.Now()); err != nil {
			return nil, false, err
		}
		return p, false, nil
	})
}

// load fetches an aggregate or yields PRODUCT_NOT_FOUND.
func (h *Handler) load(ctx context.Context, id spikes.UUID) (*Product, error) {
	found, p, err := h.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, spikes.NewError(spikes.ProductNotFound,
			fmt.Errorf("product %s not found", id))
	}
	return p, nil
}

// commandResult is the serialized payload recorded with idempotency rows and
// outbox events.
type commandResult struct {
	AggregateID string `json:"aggregateId"`
	Version     int64  `json:"version"`
	Status      string `json:"status"`
}

// handle runs the shared pipeline for one command under the resiliency
// policy: idempotency replay, validation, mutate, atomic save.
func (h *Handler) handle(ctx context.Context, commandType, idempotencyKey string, cmd any, run func(ctx context.Context) (*Product, bool, error)) spikes.CommandOutcome {
	result, err := h.policy.Execute(ctx, func(ctx context.Context) (any, error) {
		if idempotencyKey != "" {
			found, rec, err := h.idem.Get(ctx, idempotencyKey)
			if err != nil {
				return nil, err
			}
			if found {
				return spikes.CommandReplayed(rec.Result), nil
			}
		}

		if err := validateCommand(h.validate, cmd); err != nil {
			return nil, err
		}

		p, insert, err := run(ctx)
		if err != nil {
			return nil, err
		}

		payload, err := json.Marshal(commandResult{
			AggregateID: p.ID.String(),
			Version:     p.Version,
			Status:      string(p.Status),
		})
		if err != nil {
			return nil, err
		}

		now := h.clock.Now()
		var idemRec *IdempotencyRecord
		if idempotencyKey != "" {
			idemRec = &IdempotencyRecord{
				Key:         idempotencyKey,
				CommandType: commandType,
				AggregateID: p.ID,
				Result:      string(payload),
				CreatedAt:   now,
			}
		}
		event := &OutboxEvent{
			ID:          spikes.NewUUID(),
			AggregateID: p.ID,
			EventType:   commandType,
			Payload:     string(payload),
			CreatedAt:   now,
		}

		if err := h.uow.Save(ctx, p, insert, idemRec, event); err != nil {
			if errors.Is(err, ErrIdempotencyConflict) && idempotencyKey != "" {
				// A concurrent invocation with the same key committed first;
				// surface its recorded result.
				if found, rec, err2 := h.idem.Get(ctx, idempotencyKey); err2 == nil && found {
					return spikes.CommandReplayed(rec.Result), nil
				}
			}
			return nil, err
		}
		return spikes.CommandSuccess(p.ID, p.Version, string(p.Status)), nil
	})

	outcome := h.toOutcome(result, err)
	h.tel.CommandOutcomes.WithLabelValues(commandType, outcomeLabel(outcome)).Inc()
	return outcome
}

// toOutcome maps the policy result to the tagged outcome. Transient failures
// that survived the retry budget surface as SERVICE_UNAVAILABLE.
func (h *Handler) toOutcome(result any, err error) spikes.CommandOutcome {
	if err == nil {
		if outcome, ok := result.(spikes.CommandOutcome); ok {
			return outcome
		}
		return spikes.CommandFailure(spikes.NewError(spikes.InternalError,
			fmt.Errorf("command produced no outcome")))
	}
	var tagged spikes.Error
	if errors.As(err, &tagged) {
		return spikes.CommandFailure(tagged)
	}
	if spikes.IsTransient(err) {
		return spikes.CommandFailure(spikes.NewErrorWithDetails(spikes.ServiceUnavailable, err,
			map[string]any{"retryAfterSeconds": 15}))
	}
	return spikes.CommandFailure(spikes.NewError(spikes.InternalError, err))
}

func outcomeLabel(outcome spikes.CommandOutcome) string {
	switch outcome.Kind {
	case spikes.CommandSucceeded:
		return "success"
	case spikes.CommandAlreadyProcessed:
		return "replayed"
	default:
		return outcome.Failure.Code.String()
	}
}
