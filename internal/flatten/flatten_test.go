package flatten_test

import (
	"encoding/json"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/co-cddo/ndx-notify/internal/flatten"
)

func newFlattener() *flatten.Flattener {
	return flatten.New(flatten.DefaultOptions(), nil)
}

func TestFlatten_NestedObjects(t *testing.T) {
	res := newFlattener().Flatten(map[string]any{
		"status":               "Active",
		"leaseDurationInHours": float64(24),
		"maxSpend":             float64(50),
		"meta": map[string]any{
			"createdTime": "2025-01-01T00:00:00Z",
			"schema":      map[string]any{"version": json.Number("1")},
		},
	})

	assert.Equal(t, "Active", res.Fields["status"])
	assert.Equal(t, "24", res.Fields["leaseDurationInHours"])
	assert.Equal(t, "50", res.Fields["maxSpend"])
	assert.Equal(t, "2025-01-01T00:00:00Z", res.Fields["meta_createdTime"])
	assert.Equal(t, "1", res.Fields["meta_schema_version"])
	assert.Equal(t,
		"leaseDurationInHours,maxSpend,meta_createdTime,meta_schema_version,status",
		res.Fields[flatten.KeysField])
}

func TestFlatten_Scalars(t *testing.T) {
	ts := time.Date(2025, 3, 4, 5, 6, 7, 0, time.FixedZone("BST", 3600))
	res := newFlattener().Flatten(map[string]any{
		"b":     true,
		"f":     0.1,
		"i":     42,
		"big":   float64(1e21),
		"n":     nil,
		"s":     "as-is <b>",
		"t":     ts,
		"empty": "",
	})

	assert.Equal(t, "true", res.Fields["b"])
	assert.Equal(t, "0.1", res.Fields["f"])
	assert.Equal(t, "42", res.Fields["i"])
	assert.Equal(t, "1000000000000000000000", res.Fields["big"])
	assert.Equal(t, "as-is <b>", res.Fields["s"])
	assert.Equal(t, "2025-03-04T04:06:07Z", res.Fields["t"])
	assert.Equal(t, "", res.Fields["empty"])
	_, hasNull := res.Fields["n"]
	assert.False(t, hasNull, "nil values must be omitted")
}

func TestFlatten_DepthBound(t *testing.T) {
	// seven levels: a.b.c.d.e.f.g
	deep := map[string]any{"g": "leaf7"}
	for _, k := range []string{"f", "e", "d", "c", "b", "a"} {
		deep = map[string]any{k: deep}
	}
	deep["a"].(map[string]any)["b"].(map[string]any)["c"].(map[string]any)["d"].(map[string]any)["e"] =
		map[string]any{"f": map[string]any{"g": "leaf7"}, "x": "leaf6"}
	deep["top"] = "leaf1"
	deep["a"].(map[string]any)["b"].(map[string]any)["c"].(map[string]any)["d"].(map[string]any)["v"] = "leaf5"

	res := newFlattener().Flatten(deep)

	assert.Equal(t, "leaf1", res.Fields["top"])
	assert.Equal(t, "leaf5", res.Fields["a_b_c_d_v"])
	for k := range res.Fields {
		if k == flatten.KeysField {
			continue
		}
		assert.LessOrEqual(t, len(strings.Split(k, "_")), 5, "field %s is deeper than 5", k)
	}
	assert.Equal(t, []string{"a_b_c_d_e"}, res.Dropped)
}

func TestFlatten_ArrayWidth(t *testing.T) {
	items := make([]any, 15)
	for i := range items {
		items[i] = float64(i)
	}
	res := newFlattener().Flatten(map[string]any{"field": items})

	indexed := 0
	for k := range res.Fields {
		if strings.HasPrefix(k, "field_") && k != "field_count" {
			indexed++
		}
	}
	assert.Equal(t, 10, indexed)
	assert.Equal(t, "15", res.Fields["field_count"])
	assert.Equal(t, "0", res.Fields["field_0"])
	assert.Equal(t, "9", res.Fields["field_9"])
	_, has10 := res.Fields["field_10"]
	assert.False(t, has10)
}

func TestFlatten_ArraysOfObjectsAndEmpty(t *testing.T) {
	res := newFlattener().Flatten(map[string]any{
		"accounts": []any{
			map[string]any{"id": "111122223333"},
			map[string]any{"id": "444455556666"},
		},
		"tags":  []any{},
		"extra": map[string]any{},
	})

	assert.Equal(t, "111122223333", res.Fields["accounts_0_id"])
	assert.Equal(t, "444455556666", res.Fields["accounts_1_id"])
	_, hasCount := res.Fields["accounts_count"]
	assert.False(t, hasCount, "no _count for arrays within the width limit")
	assert.Equal(t, "accounts_0_id,accounts_1_id", res.Fields[flatten.KeysField])
}

func TestFlatten_TypedValues(t *testing.T) {
	type reason struct {
		Type    string `json:"type"`
		Comment string `json:"comment,omitempty"`
	}
	res := newFlattener().Flatten(map[string]any{
		"reason": reason{Type: "ManuallyFrozen", Comment: "spend spike"},
		"labels": map[string]string{"team": "ndx"},
	})
	assert.Equal(t, "ManuallyFrozen", res.Fields["reason_type"])
	assert.Equal(t, "spend spike", res.Fields["reason_comment"])
	assert.Equal(t, "ndx", res.Fields["labels_team"])
}

func TestFlatten_Deterministic(t *testing.T) {
	input := map[string]any{
		"z": "1", "a": map[string]any{"y": float64(2), "b": []any{"x", nil, true}},
		"m": nil, "k": map[string]any{"j": map[string]any{}},
	}
	f := newFlattener()
	first := f.Flatten(input)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first.Fields, f.Flatten(input).Fields)
	}

	keys := make([]string, 0, len(first.Fields))
	for k := range first.Fields {
		if k != flatten.KeysField {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	assert.Equal(t, keys, flatten.ParseKeys(first.Fields[flatten.KeysField]))
}

func TestSeal_SizeTruncationLargestFirst(t *testing.T) {
	f := flatten.New(flatten.Options{MaxBytes: 250}, nil)
	fields := map[string]string{
		"eventId": "e1",
		"small":   "x",
		"bigB":    strings.Repeat("b", 120),
		"bigA":    strings.Repeat("a", 120),
		"mid":     strings.Repeat("m", 60),
	}
	res := f.Seal(fields)

	// bigA and bigB tie on size; key order breaks the tie.
	assert.Equal(t, []string{"bigA", "bigB"}, res.Truncated)
	assert.Contains(t, res.Fields, "mid")
	assert.Contains(t, res.Fields, "eventId")

	b, err := json.Marshal(res.Fields)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(b), 250)
	assert.Equal(t, "eventId,mid,small", res.Fields[flatten.KeysField])
}

func TestSeal_ExactSerializedSize(t *testing.T) {
	f := flatten.New(flatten.Options{MaxBytes: 1 << 20}, nil)
	res := f.Seal(map[string]string{"a": `quote " and <tag>`, "b": "plain"})
	require.Empty(t, res.Truncated)

	b, err := json.Marshal(res.Fields)
	require.NoError(t, err)

	// Shrinking the cap to exactly the serialized size must not truncate.
	exact := flatten.New(flatten.Options{MaxBytes: len(b)}, nil).Seal(map[string]string{"a": `quote " and <tag>`, "b": "plain"})
	assert.Empty(t, exact.Truncated)
	under := flatten.New(flatten.Options{MaxBytes: len(b) - 1}, nil).Seal(map[string]string{"a": `quote " and <tag>`, "b": "plain"})
	assert.Equal(t, []string{"a"}, under.Truncated)
}

func TestSeal_KeysCapped(t *testing.T) {
	f := flatten.New(flatten.Options{MaxKeysLen: 40}, nil)
	fields := map[string]string{}
	for _, k := range []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf"} {
		fields[k] = "v"
	}
	res := f.Seal(fields)
	keys := res.Fields[flatten.KeysField]
	assert.LessOrEqual(t, len(keys), 40)
	assert.True(t, strings.HasSuffix(keys, flatten.TruncationMarker))
	for _, name := range flatten.ParseKeys(keys) {
		assert.Contains(t, fields, name)
	}
}

func TestSeal_KeysCutAtNameBoundary(t *testing.T) {
	fields := map[string]string{}
	for _, k := range []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf"} {
		fields[k] = "v"
	}
	marker := len(flatten.TruncationMarker)

	tests := []struct {
		name   string
		budget int
		want   []string
	}{
		// "alpha,bravo,charlie,delta" is 25 bytes.
		{"budget ends on a name", 25, []string{"alpha", "bravo", "charlie"}},
		{"budget ends on its comma", 26, []string{"alpha", "bravo", "charlie", "delta"}},
		{"budget ends mid name", 23, []string{"alpha", "bravo", "charlie"}},
		{"no whole name fits", 3, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := flatten.New(flatten.Options{MaxKeysLen: tt.budget + marker}, nil)
			keys := f.Seal(fields).Fields[flatten.KeysField]
			assert.LessOrEqual(t, len(keys), tt.budget+marker)
			assert.Equal(t, tt.want, flatten.ParseKeys(keys))
		})
	}
}

func TestParseKeys(t *testing.T) {
	assert.Nil(t, flatten.ParseKeys(""))
	assert.Equal(t, []string{"a", "b"}, flatten.ParseKeys("a,b"))
	assert.Equal(t, []string{"a", "b"}, flatten.ParseKeys("a,b,"+flatten.TruncationMarker))
	assert.Equal(t, []string{"a"}, flatten.ParseKeys("a,bra"+flatten.TruncationMarker))
	assert.Nil(t, flatten.ParseKeys("alp"+flatten.TruncationMarker))
}

func TestSeal_IgnoresIncomingKeysField(t *testing.T) {
	res := newFlattener().Seal(map[string]string{"keys": "forged", "a": "1"})
	assert.Equal(t, "a", res.Fields[flatten.KeysField])
}

func TestMerge(t *testing.T) {
	got := flatten.Merge(map[string]string{"a": "event", "b": "event"}, map[string]string{"b": "record", "c": "record"})
	assert.Equal(t, map[string]string{"a": "event", "b": "record", "c": "record"}, got)
}
