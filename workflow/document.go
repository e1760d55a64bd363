package workflow

import (
	"bytes"
	"encoding/json"
	"math"
	"time"
)

// Document is the structured payload flowing between nodes. Values are
// restricted to the JSON-compatible set by Normalize; code that builds
// documents by hand should call Normalize before persisting them.
type Document map[string]any

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = NormalizeValue(v)
	}
	return out
}

// NormalizeDocument deep-converts arbitrary map data into a canonical
// Document: numbers collapse to the narrowest lossless type (int64 when
// integral, float64 otherwise), strings/booleans/nils pass through, arrays
// and objects are converted recursively.
//
// This is the conversion applied to UI interaction output before it is
// merged into a node's input document.
func NormalizeDocument(in map[string]any) Document {
	if in == nil {
		return nil
	}
	out := make(Document, len(in))
	for k, v := range in {
		out[k] = NormalizeValue(v)
	}
	return out
}

// NormalizeValue converts a single value per the NormalizeDocument rules.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case nil, bool, string:
		return t
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		if uint64(t) > math.MaxInt64 {
			return float64(t)
		}
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		if t > math.MaxInt64 {
			return float64(t)
		}
		return int64(t)
	case float32:
		return narrowFloat(float64(t))
	case float64:
		return narrowFloat(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = NormalizeValue(v)
		}
		return out
	case Document:
		return map[string]any(NormalizeDocument(t))
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = NormalizeValue(v)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = v
		}
		return out
	default:
		// Unknown types take the JSON round trip. Failure falls back to
		// the value itself rather than dropping data.
		raw, err := json.Marshal(t)
		if err != nil {
			return t
		}
		var decoded any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil {
			return t
		}
		return NormalizeValue(decoded)
	}
}

func narrowFloat(f float64) any {
	if f == float64(int64(f)) {
		return int64(f)
	}
	return f
}

// DataContract is the unit of data flowing between nodes: a source node's
// output document addressed to a target node (or to the engine itself for
// terminal nodes).
type DataContract struct {
	SourceNodeID string    `json:"sourceNodeId"`
	TargetNodeID string    `json:"targetNodeId"`
	Payload      Document  `json:"payload"`
	DataType     string    `json:"dataType"`
	Timestamp    time.Time `json:"timestamp"`
	SizeBytes    int       `json:"sizeBytes,omitempty"`
	ContentType  string    `json:"contentType,omitempty"`
}

// EngineTarget is the synthetic target node id used for contracts addressed
// to the engine rather than a concrete successor.
const EngineTarget = "engine"

// NewDataContract builds a contract for a node's output document and stamps
// size metadata from its JSON encoding.
func NewDataContract(sourceNodeID, targetNodeID string, payload Document) *DataContract {
	size := 0
	if raw, err := json.Marshal(payload); err == nil {
		size = len(raw)
	}
	return &DataContract{
		SourceNodeID: sourceNodeID,
		TargetNodeID: targetNodeID,
		Payload:      payload,
		DataType:     "document",
		Timestamp:    time.Now().UTC(),
		SizeBytes:    size,
		ContentType:  "application/json",
	}
}
