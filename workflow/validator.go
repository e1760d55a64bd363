package workflow

import (
	"context"
	"fmt"
)

// Validation issue codes.
const (
	CodeCycleDetected       = "CYCLE_DETECTED"
	CodeNoStartNode         = "NO_START_NODE"
	CodeNoEndNode           = "NO_END_NODE"
	CodeOrphanNode          = "ORPHAN_NODE"
	CodeUnreachableNode     = "UNREACHABLE_NODE"
	CodeMissingNodeID       = "MISSING_NODE_ID"
	CodeMissingNodeName     = "MISSING_NODE_NAME"
	CodeDuplicateNodeID     = "DUPLICATE_NODE_ID"
	CodeInvalidSourceNode   = "INVALID_SOURCE_NODE"
	CodeInvalidTargetNode   = "INVALID_TARGET_NODE"
	CodeSelfLoop            = "SELF_LOOP"
	CodeInvalidTimeout      = "INVALID_TIMEOUT"
	CodeInvalidResource     = "INVALID_RESOURCE_LIMIT"
	CodeProgramNotFound     = "PROGRAM_NOT_FOUND"
	CodeVersionNotFound     = "VERSION_NOT_FOUND"
	CodeVersionMismatch     = "VERSION_PROGRAM_MISMATCH"
	CodeProgramNotLive      = "PROGRAM_NOT_LIVE"
	CodeMissingUserInput    = "MISSING_USER_INPUT"
	CodeInvalidConcurrency  = "INVALID_MAX_CONCURRENT"
	CodeInvalidExecTimeout  = "INVALID_EXECUTION_TIMEOUT"
	CodeUnsatisfiedMapping  = "UNSATISFIED_INPUT_MAPPING"
)

// Issue is a single validation finding, attributable to a node or edge.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeID  string `json:"nodeId,omitempty"`
	Edge    string `json:"edge,omitempty"`
}

func (i Issue) String() string {
	if i.NodeID != "" {
		return fmt.Sprintf("%s [%s]: %s", i.Code, i.NodeID, i.Message)
	}
	return fmt.Sprintf("%s: %s", i.Code, i.Message)
}

// ValidationResult aggregates findings from one or more validation passes.
// Any error blocks admission; warnings and info never do.
type ValidationResult struct {
	Errors   []Issue            `json:"errors,omitempty"`
	Warnings []Issue            `json:"warnings,omitempty"`
	Info     []Issue            `json:"info,omitempty"`
	Metrics  *ComplexityMetrics `json:"metrics,omitempty"`
}

// IsValid reports whether no errors were found.
func (r *ValidationResult) IsValid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) addError(code, msg, nodeID string) {
	r.Errors = append(r.Errors, Issue{Code: code, Message: msg, NodeID: nodeID})
}

func (r *ValidationResult) addWarning(code, msg, nodeID string) {
	r.Warnings = append(r.Warnings, Issue{Code: code, Message: msg, NodeID: nodeID})
}

func (r *ValidationResult) addInfo(code, msg, nodeID string) {
	r.Info = append(r.Info, Issue{Code: code, Message: msg, NodeID: nodeID})
}

// Merge folds another result into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	r.Info = append(r.Info, other.Info...)
	if other.Metrics != nil {
		r.Metrics = other.Metrics
	}
}

// Validator performs read-only, deterministic checks over a workflow and an
// execution context. All operations are pure over their inputs; the only
// external dependency is the program catalog used by ValidateDependencies.
type Validator struct {
	catalog ProgramCatalog
}

// NewValidator creates a Validator. The catalog may be nil, in which case
// ValidateDependencies is skipped by Validate.
func NewValidator(catalog ProgramCatalog) *Validator {
	return &Validator{catalog: catalog}
}

// Validate runs every validation pass and merges the results, including
// complexity metrics. Validation failure (any error) blocks admission.
func (v *Validator) Validate(ctx context.Context, wf *Workflow, ec ExecutionContext) *ValidationResult {
	res := &ValidationResult{}
	res.Merge(v.ValidateNodes(wf))
	res.Merge(v.ValidateEdges(wf))
	res.Merge(v.ValidateStructure(wf))
	if v.catalog != nil {
		res.Merge(v.ValidateDependencies(ctx, wf))
	}
	res.Merge(v.ValidateExecution(wf, ec))
	m := ComputeComplexity(wf)
	res.Metrics = &m
	return res
}

// ValidateStructure detects cycles over enabled edges, reports orphans and
// unreachable nodes, and checks for the presence of start and end nodes.
//
// Cycle detection is a three-color depth-first search; a back edge into a
// node currently on the recursion stack is a cycle.
func (v *Validator) ValidateStructure(wf *Workflow) *ValidationResult {
	res := &ValidationResult{}

	adj := make(map[string][]string)
	incident := make(map[string]int)
	for _, e := range wf.EnabledEdges() {
		adj[e.Source] = append(adj[e.Source], e.Target)
		incident[e.Source]++
		incident[e.Target]++
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on recursion stack
		black = 2 // finished
	)
	color := make(map[string]int)

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				res.addError(CodeCycleDetected,
					fmt.Sprintf("cycle detected through node %q", next), next)
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	enabled := wf.EnabledNodes()
	for _, n := range enabled {
		if color[n.ID] == white {
			if visit(n.ID) {
				break
			}
		}
	}

	starts := wf.StartNodes()
	if len(enabled) > 0 && len(starts) == 0 {
		res.addError(CodeNoStartNode, "workflow has no start node (every node has an enabled incoming edge)", "")
	}
	if len(enabled) > 0 && len(wf.TerminalNodes()) == 0 {
		res.addWarning(CodeNoEndNode, "workflow has no end node (every node has an enabled outgoing edge)", "")
	}

	// Orphans: enabled nodes with no enabled incident edge at all.
	// A single-node workflow is legitimately edgeless, so orphans are
	// only reported when the workflow has more than one enabled node.
	if len(enabled) > 1 {
		for _, n := range enabled {
			if incident[n.ID] == 0 {
				res.addWarning(CodeOrphanNode,
					fmt.Sprintf("node %q has no enabled edges", n.ID), n.ID)
			}
		}
	}

	// Unreachable: enabled nodes not reachable from any start node.
	reached := make(map[string]bool)
	var reach func(id string)
	reach = func(id string) {
		if reached[id] {
			return
		}
		reached[id] = true
		for _, next := range adj[id] {
			reach(next)
		}
	}
	for _, n := range starts {
		reach(n.ID)
	}
	for _, n := range enabled {
		if !reached[n.ID] {
			res.addWarning(CodeUnreachableNode,
				fmt.Sprintf("node %q is not reachable from any start node", n.ID), n.ID)
		}
	}

	return res
}

// ValidateNodes checks node identity, display names, and execution settings.
// Timeout and resource limit findings are warnings only.
func (v *Validator) ValidateNodes(wf *Workflow) *ValidationResult {
	res := &ValidationResult{}
	seen := make(map[string]bool)
	for i, n := range wf.Nodes {
		if n.ID == "" {
			res.addError(CodeMissingNodeID, fmt.Sprintf("node at index %d has no id", i), "")
			continue
		}
		if seen[n.ID] {
			res.addError(CodeDuplicateNodeID, fmt.Sprintf("duplicate node id %q", n.ID), n.ID)
		}
		seen[n.ID] = true
		if n.Name == "" {
			res.addError(CodeMissingNodeName, fmt.Sprintf("node %q has no name", n.ID), n.ID)
		}
		if n.Settings.TimeoutMinutes < 0 {
			res.addWarning(CodeInvalidTimeout,
				fmt.Sprintf("node %q has a negative timeout", n.ID), n.ID)
		}
		rl := n.Settings.Resources
		if rl.MaxCPUPercent < 0 || rl.MaxMemoryMB < 0 || rl.MaxDiskMB < 0 {
			res.addWarning(CodeInvalidResource,
				fmt.Sprintf("node %q has a negative resource limit", n.ID), n.ID)
		}
	}
	return res
}

// ValidateEdges checks that edge endpoints exist and that no edge is a
// self-loop. Disabled edges are still checked for referential integrity.
func (v *Validator) ValidateEdges(wf *Workflow) *ValidationResult {
	res := &ValidationResult{}
	for _, e := range wf.Edges {
		if wf.NodeByID(e.Source) == nil {
			res.Errors = append(res.Errors, Issue{
				Code:    CodeInvalidSourceNode,
				Message: fmt.Sprintf("edge references unknown source node %q", e.Source),
				Edge:    e.Source + "->" + e.Target,
			})
		}
		if wf.NodeByID(e.Target) == nil {
			res.Errors = append(res.Errors, Issue{
				Code:    CodeInvalidTargetNode,
				Message: fmt.Sprintf("edge references unknown target node %q", e.Target),
				Edge:    e.Source + "->" + e.Target,
			})
		}
		if e.Source == e.Target && e.Source != "" {
			res.Errors = append(res.Errors, Issue{
				Code:    CodeSelfLoop,
				Message: fmt.Sprintf("edge from node %q to itself", e.Source),
				Edge:    e.Source + "->" + e.Target,
				NodeID:  e.Source,
			})
		}
	}
	return res
}

// ValidateDependencies checks each node's program reference against the
// catalog: the program must exist, a pinned version must exist and belong
// to the program, and a non-live program yields a warning.
func (v *Validator) ValidateDependencies(ctx context.Context, wf *Workflow) *ValidationResult {
	res := &ValidationResult{}
	for _, n := range wf.EnabledNodes() {
		if n.ProgramID == "" {
			res.addError(CodeProgramNotFound,
				fmt.Sprintf("node %q references no program", n.ID), n.ID)
			continue
		}
		prog, err := v.catalog.GetProgram(ctx, n.ProgramID)
		if err != nil || prog == nil {
			res.addError(CodeProgramNotFound,
				fmt.Sprintf("node %q references unknown program %q", n.ID, n.ProgramID), n.ID)
			continue
		}
		if prog.Status != "live" {
			res.addWarning(CodeProgramNotLive,
				fmt.Sprintf("node %q references program %q with status %q", n.ID, prog.Name, prog.Status), n.ID)
		}
		if n.VersionID != "" {
			ver, err := v.catalog.GetVersion(ctx, n.VersionID)
			if err != nil || ver == nil {
				res.addError(CodeVersionNotFound,
					fmt.Sprintf("node %q references unknown version %q", n.ID, n.VersionID), n.ID)
				continue
			}
			if ver.ProgramID != n.ProgramID {
				res.addError(CodeVersionMismatch,
					fmt.Sprintf("version %q does not belong to program %q", n.VersionID, n.ProgramID), n.ID)
			}
		}
	}
	return res
}

// ValidateExecution checks the execution context against the workflow:
// required user inputs must be present under "{nodeID}.{inputName}" with a
// non-nil value, and the concurrency and timeout settings must be positive.
func (v *Validator) ValidateExecution(wf *Workflow, ec ExecutionContext) *ValidationResult {
	res := &ValidationResult{}
	if ec.MaxConcurrentNodes <= 0 {
		res.addError(CodeInvalidConcurrency, "maxConcurrentNodes must be greater than zero", "")
	}
	if ec.TimeoutMinutes <= 0 {
		res.addError(CodeInvalidExecTimeout, "timeoutMinutes must be greater than zero", "")
	}
	for _, n := range wf.EnabledNodes() {
		for _, ui := range n.Input.UserInputs {
			if !ui.Required {
				continue
			}
			v, ok := ec.UserInput(n.ID, ui.Name)
			if !ok || v == nil {
				res.addError(CodeMissingUserInput,
					fmt.Sprintf("required user input %q.%s is missing", n.ID, ui.Name), n.ID)
			}
		}
	}
	return res
}

// TopologicalOrder returns one topological ordering of the enabled nodes
// using Kahn's algorithm. It is used for logs and human display only; the
// scheduler does not depend on this order for correctness.
//
// Returns an error when the enabled subgraph contains a cycle.
func TopologicalOrder(wf *Workflow) ([]string, error) {
	indegree := make(map[string]int)
	adj := make(map[string][]string)
	for _, n := range wf.EnabledNodes() {
		indegree[n.ID] = 0
	}
	for _, e := range wf.EnabledEdges() {
		adj[e.Source] = append(adj[e.Source], e.Target)
		indegree[e.Target]++
	}

	// Seed the queue in node declaration order for stable output.
	var queue []string
	for _, n := range wf.EnabledNodes() {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]string, 0, len(indegree))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range adj[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(indegree) {
		return nil, fmt.Errorf("%s: workflow graph contains a cycle", CodeCycleDetected)
	}
	return order, nil
}

// ComplexityLevel buckets a workflow's cyclomatic-style score.
type ComplexityLevel string

const (
	ComplexitySimple      ComplexityLevel = "Simple"
	ComplexityModerate    ComplexityLevel = "Moderate"
	ComplexityComplex     ComplexityLevel = "Complex"
	ComplexityVeryComplex ComplexityLevel = "VeryComplex"
)

// ComplexityMetrics summarizes the structural complexity of a workflow.
type ComplexityMetrics struct {
	NodeCount int `json:"nodeCount"`
	EdgeCount int `json:"edgeCount"`

	// MaxDepth is the longest path length (in edges) from any start node.
	MaxDepth int `json:"maxDepth"`

	// MaxWidth is the largest number of nodes sharing the same depth.
	MaxWidth int `json:"maxWidth"`

	// Connectivity is edges per node; zero for an empty workflow.
	Connectivity float64 `json:"connectivityRatio"`

	// Cyclomatic is E - V + 2 + number of branching nodes (nodes with
	// more than one enabled outgoing edge).
	Cyclomatic int `json:"cyclomaticComplexity"`

	Level ComplexityLevel `json:"level"`
}

// ComputeComplexity derives complexity metrics over the enabled subgraph.
// Loop-kind edges count toward edge totals but not toward depth.
func ComputeComplexity(wf *Workflow) ComplexityMetrics {
	nodes := wf.EnabledNodes()
	edges := wf.EnabledEdges()

	m := ComplexityMetrics{
		NodeCount: len(nodes),
		EdgeCount: len(edges),
	}
	if len(nodes) == 0 {
		m.Level = ComplexitySimple
		return m
	}

	adj := make(map[string][]string)
	outdegree := make(map[string]int)
	for _, e := range edges {
		outdegree[e.Source]++
		if e.Kind == EdgeLoop {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	// Depth per node via memoized longest path from the start set. The
	// traversal must stay total on any input: callers may pass a graph
	// that failed structure validation, so a back edge into a node on the
	// current path contributes no depth instead of recursing.
	depth := make(map[string]int)
	onPath := make(map[string]bool)
	var longest func(id string) int
	longest = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		if onPath[id] {
			return 0
		}
		onPath[id] = true
		best := 0
		for _, next := range adj[id] {
			if d := longest(next) + 1; d > best {
				best = d
			}
		}
		onPath[id] = false
		depth[id] = best
		return best
	}

	level := make(map[string]int) // nodeID -> distance from start set
	visiting := make(map[string]bool)
	var assign func(id string, d int)
	assign = func(id string, d int) {
		if cur, ok := level[id]; ok && cur >= d {
			return
		}
		if visiting[id] {
			return
		}
		level[id] = d
		visiting[id] = true
		for _, next := range adj[id] {
			assign(next, d+1)
		}
		visiting[id] = false
	}
	for _, n := range wf.StartNodes() {
		if l := longest(n.ID); l > m.MaxDepth {
			m.MaxDepth = l
		}
		assign(n.ID, 0)
	}

	widths := make(map[int]int)
	for _, d := range level {
		widths[d]++
	}
	for _, w := range widths {
		if w > m.MaxWidth {
			m.MaxWidth = w
		}
	}
	if m.MaxWidth == 0 {
		m.MaxWidth = 1
	}

	m.Connectivity = float64(len(edges)) / float64(len(nodes))

	branching := 0
	for _, n := range nodes {
		if outdegree[n.ID] > 1 {
			branching++
		}
	}
	m.Cyclomatic = len(edges) - len(nodes) + 2 + branching

	switch {
	case m.Cyclomatic <= 4 && m.NodeCount <= 10:
		m.Level = ComplexitySimple
	case m.Cyclomatic <= 8 && m.NodeCount <= 25:
		m.Level = ComplexityModerate
	case m.Cyclomatic <= 15 && m.NodeCount <= 50:
		m.Level = ComplexityComplex
	default:
		m.Level = ComplexityVeryComplex
	}
	return m
}
