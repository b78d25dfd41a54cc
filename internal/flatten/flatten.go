// Package flatten turns nested records into the flat string maps that the
// notification channels accept as template personalisation.
package flatten

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// KeysField lists every other field name, sorted and comma-joined.
	KeysField = "keys"
	// EnrichedField flags whether a subject record was merged in.
	EnrichedField = "_enriched"

	// TruncationMarker terminates a keys listing that hit MaxKeysLen.
	TruncationMarker = "...[truncated]"

	DefaultMaxDepth   = 5
	DefaultMaxArray   = 10
	DefaultMaxKeysLen = 5000
	DefaultMaxBytes   = 50 * 1024
)

// Options bounds the flattening walk and the sealed payload.
type Options struct {
	MaxDepth   int
	MaxArray   int
	MaxKeysLen int
	MaxBytes   int
	// Protected fields are never removed by size truncation.
	Protected []string
}

// DefaultOptions returns the standard bounds.
func DefaultOptions() Options {
	return Options{
		MaxDepth:   DefaultMaxDepth,
		MaxArray:   DefaultMaxArray,
		MaxKeysLen: DefaultMaxKeysLen,
		MaxBytes:   DefaultMaxBytes,
		Protected:  []string{EnrichedField, "eventId"},
	}
}

// Result is a sealed flat payload.
type Result struct {
	Fields map[string]string
	// Dropped lists paths cut off by the depth bound.
	Dropped []string
	// Truncated lists fields removed by the size cap, in removal order.
	Truncated []string
}

// Flattener walks nested values. It is safe for concurrent use.
type Flattener struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Flattener. Zero option values fall back to defaults.
func New(opts Options, logger *slog.Logger) *Flattener {
	def := DefaultOptions()
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = def.MaxDepth
	}
	if opts.MaxArray <= 0 {
		opts.MaxArray = def.MaxArray
	}
	if opts.MaxKeysLen <= 0 {
		opts.MaxKeysLen = def.MaxKeysLen
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = def.MaxBytes
	}
	if opts.Protected == nil {
		opts.Protected = def.Protected
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flattener{opts: opts, logger: logger}
}

// Flatten walks v and seals the result.
func (f *Flattener) Flatten(v any) Result {
	fields, dropped := f.Fields(v)
	res := f.Seal(fields)
	res.Dropped = dropped
	return res
}

// frame is one pending value on the work stack.
type frame struct {
	prefix string
	value  any
	depth  int
}

// Fields walks v into a flat map without synthesizing keys or applying the
// size cap. It returns the map and the paths dropped by the depth bound.
//
// Traversal is lexicographic by key, so on a key collision (for example a
// literal "a_b" key next to {"a":{"b":..}}) the first writer wins.
func (f *Flattener) Fields(v any) (map[string]string, []string) {
	out := make(map[string]string)
	var dropped []string

	stack := []frame{{value: normalize(v)}}
	for len(stack) > 0 {
		fr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch val := fr.value.(type) {
		case nil:
			continue

		case map[string]any:
			if len(val) == 0 {
				continue
			}
			if fr.prefix != "" && fr.depth >= f.opts.MaxDepth {
				dropped = append(dropped, fr.prefix)
				continue
			}
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			// Push in reverse so keys pop in ascending order.
			for i := len(keys) - 1; i >= 0; i-- {
				stack = append(stack, frame{
					prefix: join(fr.prefix, keys[i]),
					value:  normalize(val[keys[i]]),
					depth:  fr.depth + 1,
				})
			}

		case []any:
			if len(val) == 0 {
				continue
			}
			if fr.depth >= f.opts.MaxDepth {
				dropped = append(dropped, fr.prefix)
				continue
			}
			n := len(val)
			if n > f.opts.MaxArray {
				put(out, fr.prefix+"_count", strconv.Itoa(n))
				n = f.opts.MaxArray
			}
			for i := n - 1; i >= 0; i-- {
				stack = append(stack, frame{
					prefix: join(fr.prefix, strconv.Itoa(i)),
					value:  normalize(val[i]),
					depth:  fr.depth + 1,
				})
			}

		default:
			if fr.prefix == "" {
				// A bare scalar has no field name to live under.
				continue
			}
			if s, ok := Scalar(val); ok {
				put(out, fr.prefix, s)
			}
		}
	}

	if len(dropped) > 0 {
		f.logger.Debug("flatten: values beyond depth limit dropped",
			"max_depth", f.opts.MaxDepth, "paths", dropped)
	}
	return out, dropped
}

// Seal applies the size cap to fields and synthesizes the keys field.
// Fields are removed largest first (by serialized size, then by key name)
// until the serialized map fits in MaxBytes. The keys listing always
// matches the surviving fields.
func (f *Flattener) Seal(fields map[string]string) Result {
	out := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		if k == KeysField {
			continue
		}
		out[k] = v
	}

	size := 2 // braces
	for k, v := range out {
		size += fieldSize(k, v) + 1
	}
	keys := f.keysListing(out)
	total := size + fieldSize(KeysField, keys)

	var truncated []string
	if total > f.opts.MaxBytes {
		for _, name := range f.removalOrder(out) {
			if total <= f.opts.MaxBytes {
				break
			}
			size -= fieldSize(name, out[name]) + 1
			delete(out, name)
			truncated = append(truncated, name)
			keys = f.keysListing(out)
			total = size + fieldSize(KeysField, keys)
		}
		f.logger.Warn("flatten: payload over size cap, fields removed",
			"max_bytes", f.opts.MaxBytes,
			"removed", truncated,
			"final_bytes", total,
		)
	}

	out[KeysField] = keys
	return Result{Fields: out, Truncated: truncated}
}

// removalOrder lists removable fields by descending serialized size, ties
// broken by ascending key name.
func (f *Flattener) removalOrder(fields map[string]string) []string {
	protected := make(map[string]struct{}, len(f.opts.Protected))
	for _, p := range f.opts.Protected {
		protected[p] = struct{}{}
	}
	names := make([]string, 0, len(fields))
	for k := range fields {
		if _, ok := protected[k]; ok {
			continue
		}
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		si, sj := fieldSize(names[i], fields[names[i]]), fieldSize(names[j], fields[names[j]])
		if si != sj {
			return si > sj
		}
		return names[i] < names[j]
	})
	return names
}

func (f *Flattener) keysListing(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		if k != KeysField {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	s := strings.Join(names, ",")
	if len(s) > f.opts.MaxKeysLen {
		// Cut after the last comma that fits, so every listed name is whole.
		budget := max(f.opts.MaxKeysLen-len(TruncationMarker), 0)
		s = s[:strings.LastIndex(s[:budget], ",")+1] + TruncationMarker
	}
	return s
}

// ParseKeys splits a keys listing back into names. A truncated listing
// returns only the complete names: those before the last comma.
func ParseKeys(s string) []string {
	body, truncated := strings.CutSuffix(s, TruncationMarker)
	if truncated {
		i := strings.LastIndex(body, ",")
		if i < 0 {
			return nil
		}
		body = body[:i]
	}
	if body == "" {
		return nil
	}
	return strings.Split(body, ",")
}

// Merge copies src over dst and returns dst. src wins on collision.
func Merge(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Scalar renders a scalar value in canonical text form. It reports false
// for nil and for composite values.
func Scalar(v any) (string, bool) {
	switch s := v.(type) {
	case nil:
		return "", false
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	case json.Number:
		if d, err := decimal.NewFromString(s.String()); err == nil {
			return d.String(), true
		}
		return s.String(), true
	case float64:
		return decimal.NewFromFloat(s).String(), true
	case float32:
		return decimal.NewFromFloat32(s).String(), true
	case int:
		return strconv.Itoa(s), true
	case int8, int16, int32, int64:
		return strconv.FormatInt(reflect.ValueOf(s).Int(), 10), true
	case uint, uint8, uint16, uint32, uint64:
		return strconv.FormatUint(reflect.ValueOf(s).Uint(), 10), true
	case decimal.Decimal:
		return s.String(), true
	case time.Time:
		return FormatTime(s), true
	case *time.Time:
		if s == nil {
			return "", false
		}
		return FormatTime(*s), true
	case fmt.Stringer:
		return s.String(), true
	}
	return "", false
}

// FormatTime is the single canonical timestamp format of flat payloads:
// RFC 3339 in UTC, with fractional seconds only when present.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func put(out map[string]string, key, val string) {
	if _, exists := out[key]; exists {
		return
	}
	out[key] = val
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "_" + key
}

// fieldSize is the JSON-encoded size of one "key":"value" pair.
func fieldSize(k, v string) int {
	return jsonLen(k) + 1 + jsonLen(v)
}

func jsonLen(s string) int {
	b, err := json.Marshal(s)
	if err != nil {
		return len(s) + 2
	}
	return len(b)
}

// normalize converts typed composite values (structs, typed maps and
// slices) into the generic map[string]any / []any shapes the walker
// understands, using a JSON round trip that keeps numbers exact.
func normalize(v any) any {
	switch v.(type) {
	case nil, map[string]any, []any, string, bool, json.Number, float64, float32,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
		time.Time, *time.Time, decimal.Decimal:
		return v
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Pointer:
	default:
		return v
	}
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return v
	}
	return out
}
