package docstore

import (
	"fmt"
	"sort"

	"github.com/driftsync/driftsync/pkg/encoding"
)

// QuerySpec is the declarative form of a query: a parent collection path
// plus filters, sort orders and a limit. It is the shared evaluator used
// by the in-memory and SQLite backends and the wire form the remote
// backend ships to the daemon.
type QuerySpec struct {
	Parent  string   `cbor:"parent"`
	Filters []Filter `cbor:"filters,omitempty"`
	Orders  []Order  `cbor:"orders,omitempty"`
	N       int      `cbor:"limit,omitempty"`
}

// Filter compares one document field against a literal value.
type Filter struct {
	Field string `cbor:"field"`
	Op    string `cbor:"op"`
	Value any    `cbor:"value"`
}

// Order sorts results by one field.
type Order struct {
	Field string `cbor:"field"`
	Desc  bool   `cbor:"desc,omitempty"`
}

// Validate checks the parent path and every filter operator.
func (q QuerySpec) Validate() error {
	if err := ValidateCollectionPath(q.Parent); err != nil {
		return err
	}
	for _, f := range q.Filters {
		switch f.Op {
		case "==", "!=", "<", "<=", ">", ">=":
		default:
			return fmt.Errorf("%w: %q", ErrBadFilter, f.Op)
		}
	}
	return nil
}

// Apply evaluates the query over an id-ordered collection snapshot and
// returns the filtered, ordered, limited result. The input slice is not
// modified.
func (q QuerySpec) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.matches(d.Fields) {
			out = append(out, d)
		}
	}

	if len(q.Orders) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range q.Orders {
				c := compareValues(out[i].Fields[o.Field], out[j].Fields[o.Field])
				if c == 0 {
					continue
				}
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	if q.N > 0 && len(out) > q.N {
		out = out[:q.N]
	}
	return out
}

func (q QuerySpec) matches(f Fields) bool {
	for _, flt := range q.Filters {
		got, ok := f[flt.Field]
		if !ok {
			return false
		}
		c := compareValues(got, flt.Value)
		switch flt.Op {
		case "==":
			if !valueEqual(got, flt.Value) {
				return false
			}
		case "!=":
			if valueEqual(got, flt.Value) {
				return false
			}
		case "<":
			if c >= 0 {
				return false
			}
		case "<=":
			if c > 0 {
				return false
			}
		case ">":
			if c <= 0 {
				return false
			}
		case ">=":
			if c < 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// compareValues orders two decoded field values. Numbers compare across
// Go integer and float types, strings and bools compare naturally;
// anything else falls back to canonical-encoding byte order so the sort
// stays total and deterministic.
func compareValues(a, b any) int {
	if na, aok := toFloat(a); aok {
		if nb, bok := toFloat(b); bok {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			default:
				return 0
			}
		}
	}
	if sa, aok := a.(string); aok {
		if sb, bok := b.(string); bok {
			switch {
			case sa < sb:
				return -1
			case sa > sb:
				return 1
			default:
				return 0
			}
		}
	}
	if ba, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			switch {
			case ba == bb:
				return 0
			case !ba:
				return -1
			default:
				return 1
			}
		}
	}

	rawA, errA := encoding.Marshal(a)
	rawB, errB := encoding.Marshal(b)
	if errA != nil || errB != nil {
		return 0
	}
	switch {
	case string(rawA) < string(rawB):
		return -1
	case string(rawA) > string(rawB):
		return 1
	default:
		return 0
	}
}

func valueEqual(a, b any) bool {
	if na, aok := toFloat(a); aok {
		if nb, bok := toFloat(b); bok {
			return na == nb
		}
	}
	rawA, errA := encoding.Marshal(a)
	rawB, errB := encoding.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(rawA) == string(rawB)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
