package results

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Column describes one grid column. Attrs holds the full descriptor as sent
// by the server; the typed fields are derived from it.
type Column struct {
	Key         string
	Header      string
	Description string
	DataType    string
	Formatter   Formatter
	Attrs       map[string]any
}

func newColumn(key string, attrs map[string]any) *Column {
	c := &Column{Key: key, Attrs: attrs}
	c.refresh()
	return c
}

// refresh re-derives the typed fields and the formatter from Attrs.
func (c *Column) refresh() {
	c.Header, _ = c.Attrs["header"].(string)
	c.Description, _ = c.Attrs["description"].(string)
	c.DataType, _ = c.Attrs["dataType"].(string)
	c.Formatter = FormatterFor(c.DataType)
}

// MarshalJSON encodes the descriptor with the assigned formatter name.
func (c *Column) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Attrs)+1)
	for k, v := range c.Attrs {
		out[k] = v
	}
	out["typeFormatter"] = c.Formatter.DataType
	return json.Marshal(out)
}

// Grid is the column structure of one stream's grid.
type Grid struct {
	Columns map[string]*Column
	// Attrs holds grid-level fields other than the columns.
	Attrs map[string]any
}

// ColumnKeys returns the column keys, numerically ordered when the keys are
// numbers.
func (g *Grid) ColumnKeys() []string {
	keys := make([]string, 0, len(g.Columns))
	for k := range g.Columns {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})
	return keys
}

// MergeColumns deep-merges a column diff into the grid. Only keys present in
// the diff are overwritten; columns absent from the diff are untouched.
func (g *Grid) MergeColumns(diff map[string]map[string]any) {
	if g.Columns == nil {
		g.Columns = make(map[string]*Column, len(diff))
	}
	for key, attrs := range diff {
		col, ok := g.Columns[key]
		if !ok {
			g.Columns[key] = newColumn(key, deepCopy(attrs))
			continue
		}
		if col.Attrs == nil {
			col.Attrs = make(map[string]any, len(attrs))
		}
		deepMerge(col.Attrs, attrs)
		col.refresh()
	}
}

// MarshalJSON encodes the grid as its attributes plus a "columns" object and
// the "columnOrder" to display them in.
func (g *Grid) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(g.Attrs)+2)
	for k, v := range g.Attrs {
		out[k] = v
	}
	out["columns"] = g.Columns
	out["columnOrder"] = g.ColumnKeys()
	return json.Marshal(out)
}

// GridStructure is the cached column metadata for both grids. Either grid may
// be nil when the current view has no such grid.
type GridStructure struct {
	Portfolio  *Grid `json:"portfolio,omitempty"`
	Primitives *Grid `json:"primitives,omitempty"`
}

// Grid returns the grid for s.
func (gs *GridStructure) Grid(s Stream) *Grid {
	if s == StreamPortfolio {
		return gs.Portfolio
	}
	return gs.Primitives
}

func (gs *GridStructure) setGrid(s Stream, g *Grid) {
	if s == StreamPortfolio {
		gs.Portfolio = g
	} else {
		gs.Primitives = g
	}
}

// parseGridStructure decodes a view-initialized payload.
func parseGridStructure(data json.RawMessage) (*GridStructure, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding grid structure: %w", err)
	}

	gs := &GridStructure{}
	for _, s := range []Stream{StreamPortfolio, StreamPrimitives} {
		body, ok := raw[string(s)]
		if !ok || isNull(body) {
			continue
		}
		g, err := parseGrid(body)
		if err != nil {
			return nil, fmt.Errorf("decoding %s grid: %w", s, err)
		}
		gs.setGrid(s, g)
	}
	return gs, nil
}

func parseGrid(data json.RawMessage) (*Grid, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	g := &Grid{Columns: map[string]*Column{}, Attrs: map[string]any{}}
	for k, v := range raw {
		if k == "columns" {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, err
		}
		g.Attrs[k] = val
	}

	if body, ok := raw["columns"]; ok && !isNull(body) {
		cols, err := parseColumns(body)
		if err != nil {
			return nil, err
		}
		for key, attrs := range cols {
			g.Columns[key] = newColumn(key, attrs)
		}
	}
	return g, nil
}

// parseColumns accepts either an object keyed by column id or an array of
// descriptors, keyed by their "colId" field or, failing that, their index.
func parseColumns(data json.RawMessage) (map[string]map[string]any, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []map[string]any
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decoding columns: %w", err)
		}
		out := make(map[string]map[string]any, len(list))
		for i, attrs := range list {
			key := strconv.Itoa(i)
			if id, ok := attrs["colId"]; ok {
				key = fmt.Sprint(id)
			}
			out[key] = attrs
		}
		return out, nil
	}

	var out map[string]map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding columns: %w", err)
	}
	return out, nil
}

func isNull(data json.RawMessage) bool {
	d := bytes.TrimSpace(data)
	return len(d) == 0 || string(d) == "null"
}

// deepMerge copies src into dst, recursing into nested objects.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		sv, srcIsMap := v.(map[string]any)
		dv, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			deepMerge(dv, sv)
			continue
		}
		if srcIsMap {
			dst[k] = deepCopy(sv)
			continue
		}
		dst[k] = v
	}
}

func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	deepMerge(out, m)
	return out
}

// Clone returns a deep copy of the structure.
func (gs *GridStructure) Clone() *GridStructure {
	if gs == nil {
		return nil
	}
	return &GridStructure{
		Portfolio:  gs.Portfolio.clone(),
		Primitives: gs.Primitives.clone(),
	}
}

func (g *Grid) clone() *Grid {
	if g == nil {
		return nil
	}
	out := &Grid{
		Columns: make(map[string]*Column, len(g.Columns)),
		Attrs:   deepCopy(g.Attrs),
	}
	for k, col := range g.Columns {
		out.Columns[k] = newColumn(col.Key, deepCopy(col.Attrs))
	}
	return out
}
