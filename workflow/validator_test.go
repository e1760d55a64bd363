package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// fakeCatalog backs dependency validation with a fixed program set.
type fakeCatalog struct {
	programs map[string]*Program
	versions map[string]*ProgramVersion
}

func (c *fakeCatalog) GetProgram(_ context.Context, id string) (*Program, error) {
	p, ok := c.programs[id]
	if !ok {
		return nil, errors.New("program not found")
	}
	return p, nil
}

func (c *fakeCatalog) GetVersion(_ context.Context, id string) (*ProgramVersion, error) {
	v, ok := c.versions[id]
	if !ok {
		return nil, errors.New("version not found")
	}
	return v, nil
}

func (c *fakeCatalog) HasActiveUIComponents(context.Context, string) (bool, error) {
	return false, nil
}

func node(id string) *Node {
	return &Node{ID: id, Name: "Node " + id, ProgramID: "prog-" + id}
}

func edge(src, dst string) *Edge {
	return &Edge{Source: src, Target: dst}
}

func linear(ids ...string) *Workflow {
	wf := &Workflow{ID: "wf", Name: "wf", Version: 1}
	for _, id := range ids {
		wf.Nodes = append(wf.Nodes, node(id))
	}
	for i := 1; i < len(ids); i++ {
		wf.Edges = append(wf.Edges, edge(ids[i-1], ids[i]))
	}
	return wf
}

func hasIssue(issues []Issue, code string) bool {
	for _, i := range issues {
		if i.Code == code {
			return true
		}
	}
	return false
}

func validContext() ExecutionContext {
	return ExecutionContext{MaxConcurrentNodes: 5, TimeoutMinutes: 60}
}

func TestValidateStructure(t *testing.T) {
	v := NewValidator(nil)

	t.Run("valid linear chain", func(t *testing.T) {
		res := v.ValidateStructure(linear("a", "b", "c"))
		if len(res.Errors) != 0 {
			t.Fatalf("unexpected errors: %v", res.Errors)
		}
	})

	t.Run("cycle detected", func(t *testing.T) {
		wf := linear("a", "b", "c")
		wf.Edges = append(wf.Edges, edge("c", "a"))
		res := v.ValidateStructure(wf)
		if !hasIssue(res.Errors, CodeCycleDetected) {
			t.Fatalf("expected %s, got %v", CodeCycleDetected, res.Errors)
		}
	})

	t.Run("cycle means no start node", func(t *testing.T) {
		wf := linear("a", "b")
		wf.Edges = append(wf.Edges, edge("b", "a"))
		res := v.ValidateStructure(wf)
		if !hasIssue(res.Errors, CodeNoStartNode) {
			t.Fatalf("expected %s, got %v", CodeNoStartNode, res.Errors)
		}
	})

	t.Run("orphan node warned", func(t *testing.T) {
		wf := linear("a", "b")
		wf.Nodes = append(wf.Nodes, node("lonely"))
		res := v.ValidateStructure(wf)
		if !hasIssue(res.Warnings, CodeOrphanNode) {
			t.Fatalf("expected %s warning, got %v", CodeOrphanNode, res.Warnings)
		}
		if len(res.Errors) != 0 {
			t.Fatalf("orphans must not be errors: %v", res.Errors)
		}
	})

	t.Run("single node workflow is not an orphan", func(t *testing.T) {
		res := v.ValidateStructure(linear("only"))
		if hasIssue(res.Warnings, CodeOrphanNode) {
			t.Fatalf("single node flagged as orphan: %v", res.Warnings)
		}
	})

	t.Run("disabled edges are ignored", func(t *testing.T) {
		wf := linear("a", "b")
		wf.Edges = append(wf.Edges, &Edge{Source: "b", Target: "a", Disabled: true})
		res := v.ValidateStructure(wf)
		if hasIssue(res.Errors, CodeCycleDetected) {
			t.Fatalf("disabled edge treated as cycle: %v", res.Errors)
		}
	})
}

func TestValidateEdges(t *testing.T) {
	v := NewValidator(nil)

	t.Run("unknown endpoints", func(t *testing.T) {
		wf := linear("a")
		wf.Edges = append(wf.Edges, edge("a", "ghost"), edge("phantom", "a"))
		res := v.ValidateEdges(wf)
		if !hasIssue(res.Errors, CodeInvalidTargetNode) {
			t.Errorf("expected %s, got %v", CodeInvalidTargetNode, res.Errors)
		}
		if !hasIssue(res.Errors, CodeInvalidSourceNode) {
			t.Errorf("expected %s, got %v", CodeInvalidSourceNode, res.Errors)
		}
	})

	t.Run("self loop", func(t *testing.T) {
		wf := linear("a")
		wf.Edges = append(wf.Edges, edge("a", "a"))
		res := v.ValidateEdges(wf)
		if !hasIssue(res.Errors, CodeSelfLoop) {
			t.Fatalf("expected %s, got %v", CodeSelfLoop, res.Errors)
		}
	})
}

func TestValidateNodes(t *testing.T) {
	v := NewValidator(nil)

	wf := &Workflow{
		ID: "wf",
		Nodes: []*Node{
			{ID: "", Name: "anon"},
			{ID: "dup", Name: "first"},
			{ID: "dup", Name: "second"},
			{ID: "unnamed"},
			{ID: "slow", Name: "slow", Settings: ExecutionSettings{TimeoutMinutes: -1}},
		},
	}
	res := v.ValidateNodes(wf)

	for _, code := range []string{CodeMissingNodeID, CodeDuplicateNodeID, CodeMissingNodeName} {
		if !hasIssue(res.Errors, code) {
			t.Errorf("expected error %s, got %v", code, res.Errors)
		}
	}
	if !hasIssue(res.Warnings, CodeInvalidTimeout) {
		t.Errorf("expected warning %s, got %v", CodeInvalidTimeout, res.Warnings)
	}
}

func TestValidateDependencies(t *testing.T) {
	catalog := &fakeCatalog{
		programs: map[string]*Program{
			"prog-a":  {ID: "prog-a", Name: "A", Status: "live"},
			"retired": {ID: "retired", Name: "Old", Status: "archived"},
		},
		versions: map[string]*ProgramVersion{
			"v1": {ID: "v1", ProgramID: "prog-a"},
		},
	}
	v := NewValidator(catalog)
	ctx := context.Background()

	t.Run("unknown program", func(t *testing.T) {
		wf := &Workflow{Nodes: []*Node{{ID: "n", Name: "n", ProgramID: "missing"}}}
		res := v.ValidateDependencies(ctx, wf)
		if !hasIssue(res.Errors, CodeProgramNotFound) {
			t.Fatalf("expected %s, got %v", CodeProgramNotFound, res.Errors)
		}
	})

	t.Run("not live is a warning", func(t *testing.T) {
		wf := &Workflow{Nodes: []*Node{{ID: "n", Name: "n", ProgramID: "retired"}}}
		res := v.ValidateDependencies(ctx, wf)
		if len(res.Errors) != 0 {
			t.Fatalf("unexpected errors: %v", res.Errors)
		}
		if !hasIssue(res.Warnings, CodeProgramNotLive) {
			t.Fatalf("expected %s, got %v", CodeProgramNotLive, res.Warnings)
		}
	})

	t.Run("version program mismatch", func(t *testing.T) {
		wf := &Workflow{Nodes: []*Node{{ID: "n", Name: "n", ProgramID: "retired", VersionID: "v1"}}}
		res := v.ValidateDependencies(ctx, wf)
		if !hasIssue(res.Errors, CodeVersionMismatch) {
			t.Fatalf("expected %s, got %v", CodeVersionMismatch, res.Errors)
		}
	})

	t.Run("disabled nodes are skipped", func(t *testing.T) {
		wf := &Workflow{Nodes: []*Node{{ID: "n", Name: "n", ProgramID: "missing", Disabled: true}}}
		res := v.ValidateDependencies(ctx, wf)
		if len(res.Errors) != 0 {
			t.Fatalf("disabled node validated: %v", res.Errors)
		}
	})
}

func TestValidateExecution(t *testing.T) {
	v := NewValidator(nil)

	t.Run("missing required user input", func(t *testing.T) {
		wf := linear("a")
		wf.Nodes[0].Input.UserInputs = []UserInputDecl{{Name: "apiKey", Required: true}}
		res := v.ValidateExecution(wf, validContext())
		if !hasIssue(res.Errors, CodeMissingUserInput) {
			t.Fatalf("expected %s, got %v", CodeMissingUserInput, res.Errors)
		}
	})

	t.Run("provided user input satisfies", func(t *testing.T) {
		wf := linear("a")
		wf.Nodes[0].Input.UserInputs = []UserInputDecl{{Name: "apiKey", Required: true}}
		ec := validContext()
		ec.UserInputs = map[string]any{"a.apiKey": "secret"}
		res := v.ValidateExecution(wf, ec)
		if len(res.Errors) != 0 {
			t.Fatalf("unexpected errors: %v", res.Errors)
		}
	})

	t.Run("nil value does not satisfy", func(t *testing.T) {
		wf := linear("a")
		wf.Nodes[0].Input.UserInputs = []UserInputDecl{{Name: "apiKey", Required: true}}
		ec := validContext()
		ec.UserInputs = map[string]any{"a.apiKey": nil}
		res := v.ValidateExecution(wf, ec)
		if !hasIssue(res.Errors, CodeMissingUserInput) {
			t.Fatalf("expected %s, got %v", CodeMissingUserInput, res.Errors)
		}
	})

	t.Run("invalid concurrency and timeout", func(t *testing.T) {
		res := v.ValidateExecution(linear("a"), ExecutionContext{})
		if !hasIssue(res.Errors, CodeInvalidConcurrency) {
			t.Errorf("expected %s, got %v", CodeInvalidConcurrency, res.Errors)
		}
		if !hasIssue(res.Errors, CodeInvalidExecTimeout) {
			t.Errorf("expected %s, got %v", CodeInvalidExecTimeout, res.Errors)
		}
	})
}

func TestTopologicalOrder(t *testing.T) {
	t.Run("respects edges", func(t *testing.T) {
		wf := linear("a", "b", "c")
		wf.Nodes = append(wf.Nodes, node("d"))
		wf.Edges = append(wf.Edges, edge("a", "d"), edge("d", "c"))

		order, err := TopologicalOrder(wf)
		if err != nil {
			t.Fatal(err)
		}
		pos := make(map[string]int, len(order))
		for i, id := range order {
			pos[id] = i
		}
		for _, e := range wf.Edges {
			if pos[e.Source] >= pos[e.Target] {
				t.Errorf("edge %s->%s violated in %v", e.Source, e.Target, order)
			}
		}
	})

	t.Run("cycle yields error", func(t *testing.T) {
		wf := linear("a", "b")
		wf.Edges = append(wf.Edges, edge("b", "a"))
		if _, err := TopologicalOrder(wf); err == nil {
			t.Fatal("expected error for cyclic graph")
		}
	})
}

func TestComputeComplexity(t *testing.T) {
	t.Run("single node", func(t *testing.T) {
		m := ComputeComplexity(linear("a"))
		if m.NodeCount != 1 || m.EdgeCount != 0 {
			t.Fatalf("counts = %d/%d, want 1/0", m.NodeCount, m.EdgeCount)
		}
		if m.MaxDepth != 0 {
			t.Errorf("MaxDepth = %d, want 0", m.MaxDepth)
		}
		if m.MaxWidth != 1 {
			t.Errorf("MaxWidth = %d, want 1", m.MaxWidth)
		}
		if m.Level != ComplexitySimple {
			t.Errorf("Level = %s, want Simple", m.Level)
		}
	})

	t.Run("diamond", func(t *testing.T) {
		wf := &Workflow{
			Nodes: []*Node{node("a"), node("b"), node("c"), node("d")},
			Edges: []*Edge{edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d")},
		}
		m := ComputeComplexity(wf)
		if m.MaxDepth != 2 {
			t.Errorf("MaxDepth = %d, want 2", m.MaxDepth)
		}
		if m.MaxWidth != 2 {
			t.Errorf("MaxWidth = %d, want 2", m.MaxWidth)
		}
	})

	t.Run("empty workflow", func(t *testing.T) {
		m := ComputeComplexity(&Workflow{})
		if m.Level != ComplexitySimple {
			t.Fatalf("Level = %s, want Simple", m.Level)
		}
	})

	t.Run("cycle reachable from a start node", func(t *testing.T) {
		wf := &Workflow{
			Nodes: []*Node{node("a"), node("b"), node("c")},
			Edges: []*Edge{edge("a", "b"), edge("b", "c"), edge("c", "b")},
		}
		m := ComputeComplexity(wf)
		if m.NodeCount != 3 || m.EdgeCount != 3 {
			t.Fatalf("counts = %d/%d, want 3/3", m.NodeCount, m.EdgeCount)
		}
		if m.MaxDepth < 1 {
			t.Errorf("MaxDepth = %d", m.MaxDepth)
		}
	})

	t.Run("fully cyclic graph", func(t *testing.T) {
		wf := &Workflow{
			Nodes: []*Node{node("a"), node("b")},
			Edges: []*Edge{edge("a", "b"), edge("b", "a")},
		}
		m := ComputeComplexity(wf)
		if m.MaxWidth != 1 {
			t.Errorf("MaxWidth = %d, want 1", m.MaxWidth)
		}
	})
}

func TestValidateMergesAllPasses(t *testing.T) {
	v := NewValidator(nil)
	wf := linear("a", "b")
	wf.Edges = append(wf.Edges, edge("b", "a"))

	res := v.Validate(context.Background(), wf, ExecutionContext{})
	if res.IsValid() {
		t.Fatal("expected validation failure")
	}
	if !hasIssue(res.Errors, CodeCycleDetected) {
		t.Errorf("structure pass not merged: %v", res.Errors)
	}
	if !hasIssue(res.Errors, CodeInvalidConcurrency) {
		t.Errorf("execution pass not merged: %v", res.Errors)
	}
	if res.Metrics == nil {
		t.Error("complexity metrics missing")
	}
}

func TestValidateCycleBehindStartNode(t *testing.T) {
	// The cycle sits behind a clean start node, so the depth traversal
	// actually enters it. Validation must report it, not diverge.
	v := NewValidator(nil)
	wf := &Workflow{
		ID: "wf", Name: "wf", Version: 1,
		Nodes: []*Node{node("a"), node("b"), node("c")},
		Edges: []*Edge{edge("a", "b"), edge("b", "c"), edge("c", "b")},
	}

	res := v.Validate(context.Background(), wf, validContext())
	if res.IsValid() {
		t.Fatal("expected validation failure")
	}
	if !hasIssue(res.Errors, CodeCycleDetected) {
		t.Fatalf("errors = %v, want %s", res.Errors, CodeCycleDetected)
	}
	if res.Metrics == nil {
		t.Fatal("metrics missing")
	}
}

func TestIssueString(t *testing.T) {
	i := Issue{Code: "X", Message: "boom", NodeID: "n1"}
	want := fmt.Sprintf("%s [%s]: %s", "X", "n1", "boom")
	if i.String() != want {
		t.Fatalf("String() = %q, want %q", i.String(), want)
	}
}
