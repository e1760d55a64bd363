package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/conductor-go/conductor/workflow"
)

// EnvWorkflowInputs is the well-known environment key carrying the input
// helper artifact: a JSON mapping of canonical program names to predecessor
// output documents. The program runner materializes it into the sandbox
// working directory under a well-known file name.
const EnvWorkflowInputs = "WORKFLOW_INPUTS_CONTENT"

// EnvUIOutputData is the well-known environment key carrying the raw UI
// interaction output document on resume.
const EnvUIOutputData = "UI_OUTPUT_DATA"

// CanonicalProgramName derives a stable identifier from a program's display
// name: letters and digits are kept, the character after each separator
// (space, underscore, hyphen) is upper-cased, a leading digit gets a
// "Program" prefix, and an empty result falls back to "UnknownProgram".
//
// Successor nodes see predecessor outputs under this name, both in their
// input document and in the helper artifact, so it must be a valid
// identifier.
func CanonicalProgramName(displayName string) string {
	var out []rune
	upperNext := true
	for _, r := range displayName {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if upperNext {
				out = append(out, unicode.ToUpper(r))
				upperNext = false
			} else {
				out = append(out, r)
			}
		case r == ' ' || r == '_' || r == '-':
			upperNext = true
		default:
			// Other punctuation is dropped without forcing a case change.
		}
	}
	if len(out) == 0 {
		return "UnknownProgram"
	}
	if unicode.IsDigit(out[0]) {
		return "Program" + string(out)
	}
	return string(out)
}

// DataPropagator assembles node input documents from predecessor outputs,
// static inputs, and user inputs, and turns runner results into output
// contracts.
//
// Transformations on input and output mappings are expr expressions
// evaluated against a {"value": v} environment. Compiled programs are
// cached; an expression that fails to compile or evaluate falls back to the
// untransformed value with a warning.
type DataPropagator struct {
	catalog workflow.ProgramCatalog
	logger  zerolog.Logger

	// strict promotes unsatisfied required legacy mappings to errors.
	strict bool

	cacheMu   sync.RWMutex
	exprCache map[string]*vm.Program
}

// NewDataPropagator creates a propagator resolving program names through
// the given catalog.
func NewDataPropagator(catalog workflow.ProgramCatalog, logger zerolog.Logger, strict bool) *DataPropagator {
	return &DataPropagator{
		catalog:   catalog,
		logger:    logger,
		strict:    strict,
		exprCache: make(map[string]*vm.Program),
	}
}

// NodeInput is the assembled input for one node invocation.
type NodeInput struct {
	// Document is the node's input document.
	Document workflow.Document

	// HelperArtifact is the JSON text passed via EnvWorkflowInputs.
	HelperArtifact string
}

// BuildInput assembles the input for node n from the session state.
//
// Assembly order:
//  1. Each enabled predecessor's full output document, keyed by the
//     predecessor program's canonical name.
//  2. Legacy input mappings from predecessor output fields.
//  3. Static inputs by name.
//  4. Declared user inputs from the execution context, falling back to the
//     declared default.
//
// A missing predecessor output or unsatisfied required mapping logs a
// warning and continues, unless strict mode promotes required mappings to
// errors.
func (p *DataPropagator) BuildInput(ctx context.Context, session *ExecutionSession, n *workflow.Node) (*NodeInput, error) {
	doc := make(workflow.Document)
	helper := make(map[string]workflow.Document)

	for _, pred := range session.Workflow.Predecessors(n.ID) {
		contract := session.NodeOutput(pred.ID)
		if contract == nil {
			p.logger.Warn().
				Str("execution_id", session.ExecutionID).
				Str("node_id", n.ID).
				Str("predecessor_id", pred.ID).
				Msg("predecessor output missing")
			continue
		}
		name := p.programName(ctx, pred.ProgramID)
		doc[name] = contract.Payload.Clone()
		helper[name] = contract.Payload
	}

	for _, m := range n.Input.Mappings {
		value, ok := p.resolveMapping(session, m)
		if !ok {
			if !m.Optional && p.strict {
				return nil, &workflow.ErrorDescriptor{
					Type:    workflow.ErrValidation,
					Message: fmt.Sprintf("required input mapping %q from node %q is unsatisfied", m.InputName, m.SourceNodeID),
				}
			}
			if !m.Optional {
				p.logger.Warn().
					Str("execution_id", session.ExecutionID).
					Str("node_id", n.ID).
					Str("input", m.InputName).
					Str("source_node", m.SourceNodeID).
					Msg("required input mapping unsatisfied")
			}
			continue
		}
		doc[m.InputName] = p.transform(session.ExecutionID, n.ID, m.Transformation, value)
	}

	for k, v := range n.Input.StaticInputs {
		doc[k] = workflow.NormalizeValue(v)
	}

	for _, decl := range n.Input.UserInputs {
		if v, ok := session.Context.UserInput(n.ID, decl.Name); ok {
			doc[decl.Name] = workflow.NormalizeValue(v)
		} else if decl.Default != nil {
			doc[decl.Name] = workflow.NormalizeValue(decl.Default)
		}
	}

	artifact, err := json.Marshal(helper)
	if err != nil {
		return nil, fmt.Errorf("encode input helper artifact: %w", err)
	}
	return &NodeInput{Document: doc, HelperArtifact: string(artifact)}, nil
}

// resolveMapping extracts the mapped value from the source node's output
// contract. The default value applies when the field is absent.
func (p *DataPropagator) resolveMapping(session *ExecutionSession, m workflow.InputMapping) (any, bool) {
	contract := session.NodeOutput(m.SourceNodeID)
	if contract != nil {
		if v, ok := contract.Payload[m.SourceOutputName]; ok {
			return v, true
		}
	}
	if m.DefaultValue != nil {
		return m.DefaultValue, true
	}
	return nil, false
}

// programName resolves a program's canonical name; a catalog miss falls
// back to the program id.
func (p *DataPropagator) programName(ctx context.Context, programID string) string {
	if p.catalog != nil {
		if prog, err := p.catalog.GetProgram(ctx, programID); err == nil && prog != nil {
			return CanonicalProgramName(prog.Name)
		}
	}
	return CanonicalProgramName(programID)
}

// ProcessOutput turns a runner result into the node's output contract and
// its output-file index entries.
//
// The output document starts with the standard fields stdout, stderr,
// exitCode, success and duration, gains an outputFiles array when the
// runner reported files, and then applies each output mapping.
func (p *DataPropagator) ProcessOutput(session *ExecutionSession, n *workflow.Node, res *workflow.RunResult) (*workflow.DataContract, []workflow.OutputFile) {
	doc := workflow.Document{
		"stdout":   res.Output,
		"stderr":   res.ErrorOutput,
		"exitCode": int64(res.ExitCode),
		"success":  res.Success,
		"duration": res.Duration.Milliseconds(),
	}

	var files []workflow.OutputFile
	if len(res.OutputFiles) > 0 {
		entries := make([]any, 0, len(res.OutputFiles))
		for _, fp := range res.OutputFiles {
			name := path.Base(fp)
			entries = append(entries, map[string]any{
				"fileName": name,
				"path":     fp,
			})
			files = append(files, workflow.OutputFile{
				NodeID:    n.ID,
				ProgramID: n.ProgramID,
				FileName:  name,
				Path:      fp,
			})
		}
		doc["outputFiles"] = entries
	}

	for _, m := range n.Output.Mappings {
		value, ok := extractField(doc, res, m.SourceField)
		if !ok {
			p.logger.Warn().
				Str("execution_id", session.ExecutionID).
				Str("node_id", n.ID).
				Str("output", m.OutputName).
				Str("source_field", m.SourceField).
				Msg("output mapping source field missing")
			continue
		}
		doc[m.OutputName] = p.transform(session.ExecutionID, n.ID, m.Transformation, value)
	}

	targets := session.Workflow.Successors(n.ID)
	target := workflow.EngineTarget
	if len(targets) > 0 {
		target = targets[0].ID
	}
	return workflow.NewDataContract(n.ID, target, workflow.NormalizeDocument(doc)), files
}

// extractField reads a well-known runner field or a field of the output
// document assembled so far.
func extractField(doc workflow.Document, res *workflow.RunResult, field string) (any, bool) {
	switch field {
	case "stdout", "output":
		return res.Output, true
	case "stderr", "errorOutput":
		return res.ErrorOutput, true
	case "exitCode":
		return int64(res.ExitCode), true
	case "success":
		return res.Success, true
	case "duration":
		return res.Duration.Milliseconds(), true
	}
	v, ok := doc[field]
	return v, ok
}

// transform applies an expression to a value. Empty expressions and any
// compile or evaluation failure yield the value unchanged; failures log a
// warning.
func (p *DataPropagator) transform(executionID, nodeID, expression string, value any) any {
	if expression == "" {
		return workflow.NormalizeValue(value)
	}
	prog, err := p.compile(expression)
	if err != nil {
		p.logger.Warn().
			Str("execution_id", executionID).
			Str("node_id", nodeID).
			Str("expression", expression).
			Err(err).
			Msg("transformation compile failed, using untransformed value")
		return workflow.NormalizeValue(value)
	}
	out, err := expr.Run(prog, map[string]any{"value": workflow.NormalizeValue(value)})
	if err != nil {
		p.logger.Warn().
			Str("execution_id", executionID).
			Str("node_id", nodeID).
			Str("expression", expression).
			Err(err).
			Msg("transformation evaluation failed, using untransformed value")
		return workflow.NormalizeValue(value)
	}
	return workflow.NormalizeValue(out)
}

// compile returns the cached compiled program for an expression, compiling
// on first use.
func (p *DataPropagator) compile(expression string) (*vm.Program, error) {
	p.cacheMu.RLock()
	prog, ok := p.exprCache[expression]
	p.cacheMu.RUnlock()
	if ok {
		return prog, nil
	}

	compiled, err := expr.Compile(expression)
	if err != nil {
		return nil, err
	}

	p.cacheMu.Lock()
	p.exprCache[expression] = compiled
	p.cacheMu.Unlock()
	return compiled, nil
}
