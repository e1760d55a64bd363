package workflow

import "time"

// InteractionStatus is the lifecycle status of a UI interaction.
type InteractionStatus string

const (
	InteractionPending    InteractionStatus = "Pending"
	InteractionInProgress InteractionStatus = "InProgress"
	InteractionCompleted  InteractionStatus = "Completed"
	InteractionCancelled  InteractionStatus = "Cancelled"
	InteractionTimeout    InteractionStatus = "Timeout"
)

// Open reports whether the interaction can still be completed.
func (s InteractionStatus) Open() bool {
	return s == InteractionPending || s == InteractionInProgress
}

// InteractionType distinguishes kinds of interactive requests.
type InteractionType string

// InteractionUserInput is the default interaction type: a long-lived
// request for user input that suspends the owning node.
const InteractionUserInput InteractionType = "UserInput"

// DefaultInteractionTimeout applies when no explicit timeout is configured.
const DefaultInteractionTimeout = 30 * time.Minute

// UIInteraction suspends a node until a user completes, cancels, or times
// out the request. Interactions are persisted independently of the owning
// execution record and referenced by execution id.
type UIInteraction struct {
	ID          string `json:"id"`
	ExecutionID string `json:"executionId"`
	NodeID      string `json:"nodeId"`

	// UserID is the executor principal the interaction is addressed to.
	UserID string `json:"userId,omitempty"`

	Type   InteractionType   `json:"type"`
	Status InteractionStatus `json:"status"`

	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	// InputSchema is the JSON schema describing the expected input,
	// generated from the program's UiType when none is configured.
	InputSchema string `json:"inputSchema,omitempty"`

	// Input is the node's input document at suspension time.
	Input Document `json:"input,omitempty"`

	// Output is the user-provided document, set on completion.
	Output Document `json:"output,omitempty"`

	Timeout     time.Duration     `json:"timeout"`
	CreatedAt   time.Time         `json:"createdAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Deadline returns the instant after which the interaction times out.
func (i *UIInteraction) Deadline() time.Time {
	d := i.Timeout
	if d <= 0 {
		d = DefaultInteractionTimeout
	}
	return i.CreatedAt.Add(d)
}

// Expired reports whether the interaction's timeout has elapsed at now.
func (i *UIInteraction) Expired(now time.Time) bool {
	return now.After(i.Deadline())
}
