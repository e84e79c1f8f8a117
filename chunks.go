package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"

	"github.com/softsense/warehouse-go/rowscan"
)

// RowHandler receives each row of a result set in order. Returning an error
// stops the walk and the error is returned unchanged.
type RowHandler func(row json.RawMessage) error

// errStopped signals that an iterator's consumer stopped early.
var errStopped = errors.New("row iteration stopped")

// ChunkWalker traverses the chunks of a succeeded statement in order,
// following each chunk's next_chunk_index. One chunk is fetched at a time.
// A ChunkWalker is single use.
type ChunkWalker struct {
	client    *Client
	statement *Statement

	fetches int
	chunks  int
	rows    int64
}

// NewChunkWalker returns a walker over the result of st, which must have
// succeeded.
func (c *Client) NewChunkWalker(st *Statement) (*ChunkWalker, error) {
	if st == nil {
		return nil, &ConfigurationError{Field: "Statement", Reason: "is nil"}
	}
	if st.Status.State != StateSucceeded {
		if err := st.Err(); err != nil {
			return nil, err
		}
		return nil, &ProtocolError{Reason: fmt.Sprintf("statement %s has no result in state %s", st.ID, st.Status.State)}
	}
	if st.Manifest == nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("statement %s succeeded without a manifest", st.ID)}
	}
	return &ChunkWalker{client: c, statement: st}, nil
}

// Fetches returns the number of chunk requests sent so far. A chunk delivered
// inline with the statement is not counted.
func (w *ChunkWalker) Fetches() int { return w.fetches }

// Chunks returns the number of chunks consumed so far.
func (w *ChunkWalker) Chunks() int { return w.chunks }

// Rows returns the number of rows delivered so far.
func (w *ChunkWalker) Rows() int64 { return w.rows }

// Walk delivers every row to fn. Rows of explicitly fetched chunks are handed
// out while the chunk body is still arriving.
func (w *ChunkWalker) Walk(ctx context.Context, fn RowHandler) error {
	st := w.statement
	prev := -1
	var next *int

	switch {
	case hasInlineResult(st.Result):
		info, err := w.scan(ctx, bytes.NewReader(st.Result), -1, fn)
		if err != nil {
			return err
		}
		prev = info.ChunkIndex
		next = info.NextChunkIndex
	case st.Manifest.TotalChunkCount > 0 || len(st.Manifest.Chunks) > 0:
		first := 0
		if len(st.Manifest.Chunks) > 0 {
			first = st.Manifest.Chunks[0].ChunkIndex
		}
		next = &first
	}

	for next != nil {
		index := *next
		if index <= prev {
			return &ProtocolError{Reason: fmt.Sprintf("statement %s: chunk %d links back to chunk %d", st.ID, prev, index)}
		}
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		info, err := w.fetch(ctx, index, fn)
		if err != nil {
			return err
		}
		prev = index
		next = info.NextChunkIndex
	}
	return nil
}

func (w *ChunkWalker) fetch(ctx context.Context, index int, fn RowHandler) (ChunkInfo, error) {
	path := fmt.Sprintf("statements/%s/result/chunks/%d", url.PathEscape(w.statement.ID), index)
	resp, err := w.client.Do(ctx, "GET", path, nil)
	if err != nil {
		return ChunkInfo{}, err
	}
	w.fetches++

	body, err := responseBody(resp)
	if err != nil {
		return ChunkInfo{}, err
	}
	defer body.Close()

	info, err := w.scan(ctx, body, index, fn)
	if err != nil {
		return info, err
	}
	w.client.logger.Debug().
		Str("statement_id", w.statement.ID).
		Int("chunk_index", index).
		Int64("row_count", info.RowCount).
		Msg("consumed result chunk")
	return info, nil
}

// scan extracts the rows of one chunk payload. expect is the chunk index that
// was requested, or -1 for the inline chunk.
func (w *ChunkWalker) scan(ctx context.Context, r io.Reader, expect int, fn RowHandler) (ChunkInfo, error) {
	s := rowscan.NewScanner(r)
	var rows int64
	for s.Next() {
		rows++
		w.rows++
		if err := fn(s.Row()); err != nil {
			return ChunkInfo{}, err
		}
	}
	if err := s.Err(); err != nil {
		var syntaxErr *rowscan.SyntaxError
		switch {
		case errors.As(err, &syntaxErr):
			return ChunkInfo{}, &ProtocolError{Reason: fmt.Sprintf("statement %s: malformed result chunk", w.statement.ID), Cause: err}
		case ctx.Err() != nil:
			return ChunkInfo{}, cancelled(ctx)
		default:
			return ChunkInfo{}, fmt.Errorf("statement %s: reading result chunk: %w", w.statement.ID, err)
		}
	}

	info, err := chunkInfo(s)
	if err != nil {
		return info, &ProtocolError{Reason: fmt.Sprintf("statement %s: invalid chunk metadata", w.statement.ID), Cause: err}
	}
	if expect >= 0 {
		if _, ok := s.Field("chunk_index"); ok && info.ChunkIndex != expect {
			return info, &ProtocolError{Reason: fmt.Sprintf("statement %s: requested chunk %d but received chunk %d", w.statement.ID, expect, info.ChunkIndex)}
		}
		info.ChunkIndex = expect
	}
	if _, ok := s.Field("row_count"); ok && info.RowCount != rows {
		return info, &ProtocolError{Reason: fmt.Sprintf("statement %s: chunk %d reports %d rows but carried %d", w.statement.ID, info.ChunkIndex, info.RowCount, rows)}
	}
	info.RowCount = rows
	w.chunks++
	w.client.metrics.observeChunk(int(rows))
	return info, nil
}

// chunkInfo reads the pagination members captured next to the row array.
func chunkInfo(s *rowscan.Scanner) (ChunkInfo, error) {
	var info ChunkInfo
	fields := []struct {
		name string
		dst  any
	}{
		{"chunk_index", &info.ChunkIndex},
		{"row_offset", &info.RowOffset},
		{"row_count", &info.RowCount},
		{"byte_count", &info.ByteCount},
		{"next_chunk_index", &info.NextChunkIndex},
	}
	for _, f := range fields {
		raw, ok := s.Field(f.name)
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, f.dst); err != nil {
			return info, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return info, nil
}

func hasInlineResult(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Rows returns the rows of a succeeded statement as a sequence. The sequence
// ends with a non-nil error if the walk fails; rows yielded before the error
// remain valid.
func (c *Client) Rows(ctx context.Context, st *Statement) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		w, err := c.NewChunkWalker(st)
		if err != nil {
			yield(nil, err)
			return
		}
		err = w.Walk(ctx, func(row json.RawMessage) error {
			if !yield(row, nil) {
				return errStopped
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopped) {
			yield(nil, err)
		}
	}
}
