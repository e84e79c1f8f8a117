package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/softsense/warehouse-go/rowscan"
)

// maxPrealloc bounds the row slice capacity taken from a manifest.
const maxPrealloc = 1 << 16

// Row holds the values of one result row, aligned with the result columns.
// Values are nil, bool, json.Number, string, or for complex types []any and
// map[string]any.
type Row []any

// QueryResult is a fully materialized result set.
type QueryResult struct {
	StatementID   string
	Columns       []Column
	Rows          []Row
	TotalRowCount int64
	Truncated     bool
}

// ColumnNames returns the column names in order.
func (r *QueryResult) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, col := range r.Columns {
		names[i] = col.Name
	}
	return names
}

// ExecuteQuery runs sql, waits for it to succeed and reads every row.
func (c *Client) ExecuteQuery(ctx context.Context, sql string, opts ...QueryOption) (*QueryResult, error) {
	st, err := c.Execute(ctx, sql, opts...)
	if err != nil {
		return nil, err
	}
	return c.Materialize(ctx, st)
}

// Materialize reads every row of a succeeded statement.
func (c *Client) Materialize(ctx context.Context, st *Statement) (*QueryResult, error) {
	w, err := c.NewChunkWalker(st)
	if err != nil {
		return nil, err
	}
	m := st.Manifest
	res := &QueryResult{
		StatementID:   st.ID,
		Columns:       m.Schema.Columns,
		Rows:          make([]Row, 0, min(max(m.TotalRowCount, 0), maxPrealloc)),
		TotalRowCount: m.TotalRowCount,
		Truncated:     m.Truncated,
	}
	width := len(m.Schema.Columns)
	err = w.Walk(ctx, func(raw json.RawMessage) error {
		row, err := decodeRow(raw, width)
		if err != nil {
			return fmt.Errorf("statement %s: row %d: %w", st.ID, len(res.Rows), err)
		}
		res.Rows = append(res.Rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.TotalRowCount == 0 {
		res.TotalRowCount = int64(len(res.Rows))
	}
	return res, nil
}

// decodeRow decodes a row array, keeping numeric literals as json.Number.
func decodeRow(raw json.RawMessage, width int) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row Row
	if err := dec.Decode(&row); err != nil {
		return nil, &ProtocolError{Reason: "undecodable row", Cause: err}
	}
	if len(row) != width {
		return nil, &ProtocolError{Reason: fmt.Sprintf("row has %d values for %d columns", len(row), width)}
	}
	return row, nil
}

type jsonColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type jsonResult struct {
	StatementID   string            `json:"statement_id"`
	Columns       []jsonColumn      `json:"columns"`
	Rows          []json.RawMessage `json:"rows"`
	TotalRowCount int64             `json:"total_row_count"`
	Truncated     bool              `json:"truncated"`
}

// ExecuteQueryAsJSON runs sql and serializes the whole result as one JSON
// document. Each row becomes an object keyed by column name; numeric values
// keep the literal the server sent.
func (c *Client) ExecuteQueryAsJSON(ctx context.Context, sql string, opts ...QueryOption) (string, error) {
	st, err := c.Execute(ctx, sql, opts...)
	if err != nil {
		return "", err
	}
	w, err := c.NewChunkWalker(st)
	if err != nil {
		return "", err
	}

	m := st.Manifest
	out := jsonResult{
		StatementID:   st.ID,
		Columns:       make([]jsonColumn, len(m.Schema.Columns)),
		Rows:          make([]json.RawMessage, 0, min(max(m.TotalRowCount, 0), maxPrealloc)),
		TotalRowCount: m.TotalRowCount,
		Truncated:     m.Truncated,
	}
	for i, col := range m.Schema.Columns {
		out.Columns[i] = jsonColumn{Name: col.Name, Type: col.TypeText}
	}

	proj := NewObjectProjector(m.ColumnNames())
	err = w.Walk(ctx, func(raw json.RawMessage) error {
		obj, err := proj.Project(raw)
		if err != nil {
			return fmt.Errorf("statement %s: row %d: %w", st.ID, len(out.Rows), err)
		}
		out.Rows = append(out.Rows, obj)
		return nil
	})
	if err != nil {
		return "", err
	}
	if out.TotalRowCount == 0 {
		out.TotalRowCount = int64(len(out.Rows))
	}

	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(b), nil
}

// StreamQueryRows runs sql and returns its rows as raw JSON array texts, in
// chunk then row order. The query is submitted when iteration starts. The
// sequence is single pass: iterating it a second time yields an error.
//
// A failure ends the sequence with a non-nil error after any rows already
// yielded. Breaking out of the loop stops further chunk fetches.
func (c *Client) StreamQueryRows(ctx context.Context, sql string, opts ...QueryOption) iter.Seq2[json.RawMessage, error] {
	return c.stream(ctx, sql, opts, nil)
}

// StreamQueryRowsAsObjects is like StreamQueryRows but yields each row as a
// JSON object keyed by column name, in column order.
func (c *Client) StreamQueryRowsAsObjects(ctx context.Context, sql string, opts ...QueryOption) iter.Seq2[json.RawMessage, error] {
	return c.stream(ctx, sql, opts, func(st *Statement) rowMapper {
		return NewObjectProjector(st.Manifest.ColumnNames()).Project
	})
}

type rowMapper func(json.RawMessage) (json.RawMessage, error)

var errConsumed = errors.New("row stream already consumed")

func (c *Client) stream(ctx context.Context, sql string, opts []QueryOption, mapper func(*Statement) rowMapper) iter.Seq2[json.RawMessage, error] {
	used := false
	return func(yield func(json.RawMessage, error) bool) {
		if used {
			yield(nil, errConsumed)
			return
		}
		used = true

		st, err := c.Execute(ctx, sql, opts...)
		if err != nil {
			yield(nil, err)
			return
		}
		w, err := c.NewChunkWalker(st)
		if err != nil {
			yield(nil, err)
			return
		}
		var mapRow rowMapper
		if mapper != nil {
			mapRow = mapper(st)
		}

		err = w.Walk(ctx, func(raw json.RawMessage) error {
			if mapRow != nil {
				obj, err := mapRow(raw)
				if err != nil {
					return fmt.Errorf("statement %s: row %d: %w", st.ID, w.Rows()-1, err)
				}
				raw = obj
			}
			if !yield(raw, nil) {
				return errStopped
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopped) {
			yield(nil, err)
		}
	}
}

// ObjectProjector turns row arrays into JSON objects keyed by column name.
// When names repeat, the key keeps the position of its first column and the
// value of its last.
type ObjectProjector struct {
	width int
	keys  [][]byte
	index []int
}

// NewObjectProjector returns a projector for rows with the given columns.
func NewObjectProjector(columns []string) *ObjectProjector {
	p := &ObjectProjector{width: len(columns)}
	slot := make(map[string]int, len(columns))
	for i, name := range columns {
		if j, ok := slot[name]; ok {
			p.index[j] = i
			continue
		}
		key, _ := json.Marshal(name)
		slot[name] = len(p.keys)
		p.keys = append(p.keys, key)
		p.index = append(p.index, i)
	}
	return p
}

// Project converts one row array into an object.
func (p *ObjectProjector) Project(row json.RawMessage) (json.RawMessage, error) {
	values, err := rowscan.Split(row)
	if err != nil {
		return nil, &ProtocolError{Reason: "malformed row", Cause: err}
	}
	if len(values) != p.width {
		return nil, &ProtocolError{Reason: fmt.Sprintf("row has %d values for %d columns", len(values), p.width)}
	}

	size := 2
	for i, key := range p.keys {
		size += len(key) + len(values[p.index[i]]) + 2
	}
	buf := make([]byte, 0, size)
	buf = append(buf, '{')
	for i, key := range p.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, values[p.index[i]]...)
	}
	buf = append(buf, '}')
	return buf, nil
}
