package workflow

import (
	"encoding/json"
	"math"
	"reflect"
	"testing"
	"time"
)

func TestNormalizeValue(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want any
	}{
		{"int widens to int64", 42, int64(42)},
		{"uint widens to int64", uint(7), int64(7)},
		{"uint64 in range widens", uint64(7), int64(7)},
		{"uint64 above MaxInt64 keeps magnitude", uint64(math.MaxInt64) + 1, float64(uint64(math.MaxInt64) + 1)},
		{"integral float narrows", 3.0, int64(3)},
		{"fractional float stays", 3.5, 3.5},
		{"float32 narrows", float32(2), int64(2)},
		{"string passes", "hello", "hello"},
		{"bool passes", true, true},
		{"nil passes", nil, nil},
		{"json number integral", json.Number("12"), int64(12)},
		{"json number fractional", json.Number("12.5"), 12.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeValue(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("NormalizeValue(%v) = %v (%T), want %v (%T)", tc.in, got, got, tc.want, tc.want)
			}
		})
	}

	t.Run("time formats as RFC3339Nano", func(t *testing.T) {
		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		got := NormalizeValue(now)
		if got != now.Format(time.RFC3339Nano) {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("nested structures recurse", func(t *testing.T) {
		in := map[string]any{
			"list": []any{1, 2.5, "x"},
			"obj":  map[string]any{"n": 9.0},
		}
		got := NormalizeValue(in).(map[string]any)
		list := got["list"].([]any)
		if list[0] != int64(1) || list[1] != 2.5 || list[2] != "x" {
			t.Fatalf("list = %v", list)
		}
		obj := got["obj"].(map[string]any)
		if obj["n"] != int64(9) {
			t.Fatalf("obj = %v", obj)
		}
	})

	t.Run("struct takes json round trip", func(t *testing.T) {
		type point struct {
			X int `json:"x"`
		}
		got := NormalizeValue(point{X: 3}).(map[string]any)
		if got["x"] != int64(3) {
			t.Fatalf("got %v", got)
		}
	})
}

func TestDocumentClone(t *testing.T) {
	d := Document{"nested": map[string]any{"k": 1}}
	c := d.Clone()

	c["nested"].(map[string]any)["k"] = 99
	if d["nested"].(map[string]any)["k"] == 99 {
		t.Fatal("clone shares nested map with original")
	}

	if Document(nil).Clone() != nil {
		t.Fatal("nil clone should stay nil")
	}
}

func TestNewDataContract(t *testing.T) {
	payload := Document{"result": "ok"}
	c := NewDataContract("src", "dst", payload)

	if c.SourceNodeID != "src" || c.TargetNodeID != "dst" {
		t.Fatalf("addressing = %s -> %s", c.SourceNodeID, c.TargetNodeID)
	}
	if c.DataType != "document" || c.ContentType != "application/json" {
		t.Fatalf("type metadata = %s/%s", c.DataType, c.ContentType)
	}
	raw, _ := json.Marshal(payload)
	if c.SizeBytes != len(raw) {
		t.Fatalf("SizeBytes = %d, want %d", c.SizeBytes, len(raw))
	}
}
