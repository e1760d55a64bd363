package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/conductor-go/conductor/engine/emit"
	"github.com/conductor-go/conductor/engine/store"
	"github.com/conductor-go/conductor/workflow"
)

// nonInteractiveUITypes lists the program UI types that never suspend for
// user input.
var nonInteractiveUITypes = map[string]bool{
	"console": true,
	"none":    true,
	"cli":     true,
	"batch":   true,
	"service": true,
}

// UIBridge manages the interactive-input lifecycle: it detects interactive
// programs, creates and persists interaction records, suspends nodes, and
// validates and records completions.
//
// The bridge owns interaction state only. Re-entering the suspended node
// and continuing the graph is the scheduler's job, orchestrated by the
// facade's CompleteUIInteraction.
type UIBridge struct {
	interactions   store.InteractionStore
	catalog        workflow.ProgramCatalog
	notifier       NotificationSink
	emitter        emit.Emitter
	metrics        *PrometheusMetrics
	logger         zerolog.Logger
	defaultTimeout time.Duration
}

// NewUIBridge wires a bridge from its collaborators.
func NewUIBridge(interactions store.InteractionStore, catalog workflow.ProgramCatalog, notifier NotificationSink, emitter emit.Emitter, metrics *PrometheusMetrics, logger zerolog.Logger, defaultTimeout time.Duration) *UIBridge {
	if defaultTimeout <= 0 {
		defaultTimeout = workflow.DefaultInteractionTimeout
	}
	if notifier == nil {
		notifier = nullNotifier{}
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &UIBridge{
		interactions:   interactions,
		catalog:        catalog,
		notifier:       notifier,
		emitter:        emitter,
		metrics:        metrics,
		logger:         logger,
		defaultTimeout: defaultTimeout,
	}
}

// IsInteractive reports whether a program requires interactive input: its
// UiType is not one of the non-interactive types AND at least one active UI
// component is registered for it. Either test failing makes the node run
// non-interactively.
func (b *UIBridge) IsInteractive(ctx context.Context, programID string) (bool, error) {
	prog, err := b.catalog.GetProgram(ctx, programID)
	if err != nil {
		return false, fmt.Errorf("resolve program %s: %w", programID, err)
	}
	if nonInteractiveUITypes[prog.UiType] {
		return false, nil
	}
	active, err := b.catalog.HasActiveUIComponents(ctx, programID)
	if err != nil {
		return false, fmt.Errorf("check UI components for %s: %w", programID, err)
	}
	return active, nil
}

// Suspend creates and persists a Pending interaction for node n and
// notifies the sink. The caller transitions the node to WaitingForInput.
func (b *UIBridge) Suspend(ctx context.Context, session *ExecutionSession, n *workflow.Node, input workflow.Document) (*workflow.UIInteraction, error) {
	prog, err := b.catalog.GetProgram(ctx, n.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("resolve program %s: %w", n.ProgramID, err)
	}

	it := &workflow.UIInteraction{
		ID:          uuid.NewString(),
		ExecutionID: session.ExecutionID,
		NodeID:      n.ID,
		UserID:      session.Context.Metadata["executedBy"],
		Type:        workflow.InteractionUserInput,
		Status:      workflow.InteractionPending,
		Title:       fmt.Sprintf("Input required: %s", n.Name),
		Description: fmt.Sprintf("Node %q is waiting for user input.", n.Name),
		InputSchema: generateInputSchema(prog.UiType),
		Input:       input.Clone(),
		Timeout:     b.defaultTimeout,
		CreatedAt:   time.Now().UTC(),
	}

	if err := b.interactions.CreateInteraction(ctx, it); err != nil {
		return nil, fmt.Errorf("persist interaction: %w", err)
	}

	b.notifier.InteractionCreated(ctx, it)
	b.metrics.InteractionTransition(string(workflow.InteractionPending))
	b.emitter.Emit(emit.Event{
		ExecutionID: session.ExecutionID,
		NodeID:      n.ID,
		Level:       emit.LevelInfo,
		Msg:         "ui_interaction_created",
		Time:        time.Now().UTC(),
		Meta:        map[string]any{"interaction_id": it.ID},
	})
	return it, nil
}

// Complete validates and records an interaction completion.
//
// Returns:
//   - the completed interaction with the normalized output attached
//   - alreadyCompleted=true when the interaction was completed before
//     (idempotent success, no second transition is recorded)
//
// A lapsed deadline transitions the interaction to Timeout and returns an
// InvalidState error. Output documents are deep-normalized (numbers
// collapse to the narrowest lossless type) and validated against the
// interaction's input schema when one is set.
func (b *UIBridge) Complete(ctx context.Context, interactionID string, output map[string]any) (it *workflow.UIInteraction, alreadyCompleted bool, err error) {
	it, err = b.interactions.GetInteraction(ctx, interactionID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, false, notFound("interaction %s not found", interactionID)
		}
		return nil, false, err
	}

	if it.Status == workflow.InteractionCompleted {
		return it, true, nil
	}
	if !it.Status.Open() {
		return nil, false, invalidState("interaction %s is %s", interactionID, it.Status)
	}

	now := time.Now().UTC()
	if it.Expired(now) {
		if err := b.markTimedOut(ctx, it); err != nil {
			return nil, false, err
		}
		return nil, false, invalidState("interaction %s timed out", interactionID)
	}

	normalized := workflow.NormalizeDocument(output)
	if it.InputSchema != "" {
		if err := validateAgainstSchema(it.InputSchema, normalized); err != nil {
			return nil, false, &FacadeError{
				Kind:    KindValidationFailed,
				Message: fmt.Sprintf("interaction output rejected: %v", err),
			}
		}
	}

	if err := b.interactions.UpdateInteractionStatus(ctx, interactionID, workflow.InteractionCompleted, normalized); err != nil {
		return nil, false, fmt.Errorf("persist interaction completion: %w", err)
	}
	it.Status = workflow.InteractionCompleted
	it.Output = normalized
	it.CompletedAt = &now

	b.notifier.InteractionStatusChanged(ctx, it, workflow.InteractionCompleted)
	b.metrics.InteractionTransition(string(workflow.InteractionCompleted))
	b.emitter.Emit(emit.Event{
		ExecutionID: it.ExecutionID,
		NodeID:      it.NodeID,
		Level:       emit.LevelInfo,
		Msg:         "ui_interaction_completed",
		Time:        now,
		Meta:        map[string]any{"interaction_id": it.ID},
	})
	return it, false, nil
}

// markTimedOut transitions an open interaction to Timeout and notifies.
func (b *UIBridge) markTimedOut(ctx context.Context, it *workflow.UIInteraction) error {
	if err := b.interactions.UpdateInteractionStatus(ctx, it.ID, workflow.InteractionTimeout, nil); err != nil {
		return fmt.Errorf("persist interaction timeout: %w", err)
	}
	it.Status = workflow.InteractionTimeout
	b.notifier.InteractionStatusChanged(ctx, it, workflow.InteractionTimeout)
	b.metrics.InteractionTransition(string(workflow.InteractionTimeout))
	b.emitter.Emit(emit.Event{
		ExecutionID: it.ExecutionID,
		NodeID:      it.NodeID,
		Level:       emit.LevelWarning,
		Msg:         "ui_interaction_timeout",
		Time:        time.Now().UTC(),
		Meta:        map[string]any{"interaction_id": it.ID},
	})
	return nil
}

// SweepTimedOut scans for open interactions whose deadline passed before
// now and transitions them to Timeout. It returns the swept interactions so
// the caller can fail the owning nodes.
func (b *UIBridge) SweepTimedOut(ctx context.Context, now time.Time) ([]*workflow.UIInteraction, error) {
	expired, err := b.interactions.GetTimedOutInteractions(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("query timed out interactions: %w", err)
	}
	var swept []*workflow.UIInteraction
	for _, it := range expired {
		if err := b.markTimedOut(ctx, it); err != nil {
			b.logger.Error().Err(err).
				Str("interaction_id", it.ID).
				Msg("failed to mark interaction timed out")
			continue
		}
		swept = append(swept, it)
	}
	return swept, nil
}

// Cancel transitions an open interaction to Cancelled. Used when the owning
// execution is cancelled.
func (b *UIBridge) Cancel(ctx context.Context, it *workflow.UIInteraction) error {
	if !it.Status.Open() {
		return nil
	}
	if err := b.interactions.UpdateInteractionStatus(ctx, it.ID, workflow.InteractionCancelled, nil); err != nil {
		return fmt.Errorf("persist interaction cancellation: %w", err)
	}
	it.Status = workflow.InteractionCancelled
	b.notifier.InteractionStatusChanged(ctx, it, workflow.InteractionCancelled)
	b.metrics.InteractionTransition(string(workflow.InteractionCancelled))
	return nil
}

// generateInputSchema builds the default JSON schema for an interaction
// based on the program's UI type. Programs with a "form" type expect a
// free-form object; everything else defaults to a single userInput string.
func generateInputSchema(uiType string) string {
	switch uiType {
	case "form":
		return `{"type":"object","additionalProperties":true}`
	default:
		return `{"type":"object","properties":{"userInput":{"type":"string"}},"additionalProperties":true}`
	}
}

// validateAgainstSchema checks the output document against a JSON schema.
func validateAgainstSchema(schema string, doc workflow.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("evaluate schema: %w", err)
	}
	if !result.Valid() {
		first := result.Errors()
		if len(first) > 0 {
			return fmt.Errorf("schema violation: %s", first[0].String())
		}
		return fmt.Errorf("schema violation")
	}
	return nil
}
