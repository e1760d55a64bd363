// Package workflow defines the data model for Conductor workflows: the
// immutable workflow graph (nodes, edges, configuration), the durable
// execution records, UI interactions, and the structured documents that
// flow between nodes.
//
// The package is deliberately free of scheduling logic. Everything here is
// plain data plus pure helpers (graph lookups, validation, document
// normalization) so that the execution engine, the persistence layer, and
// transport code can all share one vocabulary.
package workflow

// Workflow is a named directed acyclic graph of program-invocation nodes.
//
// A Workflow is immutable during an execution: the engine snapshots the
// version at admission and never mutates the graph. Edges marked Disabled
// are ignored by both validation and scheduling.
type Workflow struct {
	// ID uniquely identifies the workflow.
	ID string `json:"id"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Version is the workflow version snapshot an execution is pinned to.
	Version int `json:"version"`

	// Nodes are the program invocations making up the graph.
	Nodes []*Node `json:"nodes"`

	// Edges are the directed data/control dependencies between nodes.
	Edges []*Edge `json:"edges"`
}

// Node is a single program invocation within a workflow.
type Node struct {
	// ID is unique within the workflow.
	ID string `json:"id"`

	// Name is the display name used in logs and validation messages.
	Name string `json:"name"`

	// ProgramID references the external program executed by this node.
	ProgramID string `json:"programId"`

	// VersionID optionally pins a specific program version. Empty means
	// "latest live version", resolved by the program runner.
	VersionID string `json:"versionId,omitempty"`

	// Disabled nodes are excluded from scheduling and dependency checks.
	Disabled bool `json:"disabled,omitempty"`

	Input    InputConfiguration  `json:"input"`
	Output   OutputConfiguration `json:"output"`
	Settings ExecutionSettings   `json:"settings"`
}

// InputConfiguration describes where a node's input document comes from.
type InputConfiguration struct {
	// StaticInputs are merged into the input document verbatim.
	StaticInputs Document `json:"staticInputs,omitempty"`

	// UserInputs declare values the executor must (or may) provide in the
	// ExecutionContext under the key "{nodeID}.{name}".
	UserInputs []UserInputDecl `json:"userInputs,omitempty"`

	// Mappings are legacy per-field wirings from predecessor outputs.
	// The by-program-name propagation channel is authoritative; an
	// unsatisfied required mapping is logged at warning level only.
	Mappings []InputMapping `json:"mappings,omitempty"`
}

// UserInputDecl declares a user-supplied input for a node.
type UserInputDecl struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
	Default  any    `json:"default,omitempty"`
}

// InputMapping wires a single field of a predecessor's output document
// into the node's input document.
type InputMapping struct {
	SourceNodeID     string `json:"sourceNodeId"`
	SourceOutputName string `json:"sourceOutputName"`
	InputName        string `json:"inputName"`

	// Transformation is an optional expression applied to the value.
	// Evaluation failures fall back to the untransformed value.
	Transformation string `json:"transformation,omitempty"`

	DefaultValue any  `json:"defaultValue,omitempty"`
	Optional     bool `json:"optional,omitempty"`
}

// OutputConfiguration describes how the runner result is turned into the
// node's output document.
type OutputConfiguration struct {
	Mappings []OutputMapping `json:"mappings,omitempty"`
}

// OutputMapping extracts SourceField from the runner result (a well-known
// field such as "stdout", "exitCode", or a field of the structured output
// document) and assigns it under OutputName.
type OutputMapping struct {
	OutputName     string `json:"outputName"`
	SourceField    string `json:"sourceField"`
	Transformation string `json:"transformation,omitempty"`
}

// ExecutionSettings holds per-node runtime limits and environment.
type ExecutionSettings struct {
	// TimeoutMinutes bounds a single program invocation. Zero means the
	// engine default applies.
	TimeoutMinutes int `json:"timeoutMinutes,omitempty"`

	// MaxRetries is the number of user-initiated retries permitted after
	// a failure. The scheduler never retries automatically.
	MaxRetries int `json:"maxRetries,omitempty"`

	// Environment overrides passed to the program sandbox.
	Environment map[string]string `json:"environment,omitempty"`

	Resources ResourceLimits `json:"resources,omitempty"`
}

// ResourceLimits caps sandbox resource usage for a node.
type ResourceLimits struct {
	MaxCPUPercent int `json:"maxCpuPercentage,omitempty"`
	MaxMemoryMB   int `json:"maxMemoryMb,omitempty"`
	MaxDiskMB     int `json:"maxDiskMb,omitempty"`
}

// EdgeKind distinguishes normal DAG edges from loop annotations.
// Loop edges are observed only by complexity metrics; the scheduler
// treats every enabled edge as a DAG edge.
type EdgeKind string

const (
	EdgeNormal EdgeKind = "normal"
	EdgeLoop   EdgeKind = "loop"
)

// Edge is a directed connection between two nodes.
type Edge struct {
	Source   string   `json:"source"`
	Target   string   `json:"target"`
	Disabled bool     `json:"disabled,omitempty"`
	Kind     EdgeKind `json:"kind,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// EnabledNodes returns all nodes not marked disabled.
func (w *Workflow) EnabledNodes() []*Node {
	out := make([]*Node, 0, len(w.Nodes))
	for _, n := range w.Nodes {
		if !n.Disabled {
			out = append(out, n)
		}
	}
	return out
}

// EnabledEdges returns all edges that participate in scheduling: enabled
// edges whose endpoints are both enabled nodes.
func (w *Workflow) EnabledEdges() []*Edge {
	out := make([]*Edge, 0, len(w.Edges))
	for _, e := range w.Edges {
		if e.Disabled {
			continue
		}
		src := w.NodeByID(e.Source)
		dst := w.NodeByID(e.Target)
		if src == nil || dst == nil || src.Disabled || dst.Disabled {
			continue
		}
		out = append(out, e)
	}
	return out
}

// StartNodes returns the enabled nodes with no enabled incoming edge.
// Every valid workflow has at least one.
func (w *Workflow) StartNodes() []*Node {
	incoming := make(map[string]int)
	for _, e := range w.EnabledEdges() {
		incoming[e.Target]++
	}
	var out []*Node
	for _, n := range w.EnabledNodes() {
		if incoming[n.ID] == 0 {
			out = append(out, n)
		}
	}
	return out
}

// TerminalNodes returns the enabled nodes with no enabled outgoing edge.
// Their outputs become the execution's final results.
func (w *Workflow) TerminalNodes() []*Node {
	outgoing := make(map[string]int)
	for _, e := range w.EnabledEdges() {
		outgoing[e.Source]++
	}
	var out []*Node
	for _, n := range w.EnabledNodes() {
		if outgoing[n.ID] == 0 {
			out = append(out, n)
		}
	}
	return out
}

// Predecessors returns the enabled parents of the given node together with
// the connecting edges, in edge declaration order.
func (w *Workflow) Predecessors(nodeID string) []*Node {
	var out []*Node
	for _, e := range w.EnabledEdges() {
		if e.Target == nodeID {
			if n := w.NodeByID(e.Source); n != nil {
				out = append(out, n)
			}
		}
	}
	return out
}

// Successors returns the enabled children of the given node.
func (w *Workflow) Successors(nodeID string) []*Node {
	var out []*Node
	for _, e := range w.EnabledEdges() {
		if e.Source == nodeID {
			if n := w.NodeByID(e.Target); n != nil {
				out = append(out, n)
			}
		}
	}
	return out
}
