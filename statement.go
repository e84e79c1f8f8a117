package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
)

// Result delivery settings sent with every submission.
const (
	DispositionInline = "INLINE"
	FormatJSONArray   = "JSON_ARRAY"
	OnWaitContinue    = "CONTINUE"
)

// Column describes one result column.
type Column struct {
	Name     string `json:"name"`
	TypeText string `json:"type_text"`
	TypeName string `json:"type_name,omitempty"`
	Position int    `json:"position"`
}

// Schema is the column list of a result set.
type Schema struct {
	ColumnCount int      `json:"column_count,omitempty"`
	Columns     []Column `json:"columns"`
}

// ChunkInfo describes one page of a result set.
type ChunkInfo struct {
	ChunkIndex     int   `json:"chunk_index"`
	RowOffset      int64 `json:"row_offset"`
	RowCount       int64 `json:"row_count"`
	ByteCount      int64 `json:"byte_count,omitempty"`
	NextChunkIndex *int  `json:"next_chunk_index,omitempty"`
}

// Manifest describes a completed result set: its schema and pagination.
type Manifest struct {
	Format          string      `json:"format"`
	Schema          Schema      `json:"schema"`
	TotalRowCount   int64       `json:"total_row_count"`
	TotalChunkCount int         `json:"total_chunk_count"`
	TotalByteCount  int64       `json:"total_byte_count,omitempty"`
	Truncated       bool        `json:"truncated"`
	Chunks          []ChunkInfo `json:"chunks,omitempty"`
}

// ColumnNames returns the column names in order.
func (m *Manifest) ColumnNames() []string {
	if m == nil {
		return nil
	}
	names := make([]string, len(m.Schema.Columns))
	for i, col := range m.Schema.Columns {
		names[i] = col.Name
	}
	return names
}

// StatementError is the error reported by the server for a failed statement.
type StatementError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// StatementStatus is the state section of a statement response.
type StatementStatus struct {
	State State           `json:"state"`
	Error *StatementError `json:"error,omitempty"`
}

// Statement mirrors the server's view of one submitted statement. Every
// Submit and Poll returns a new value; the client never mutates a Statement
// it has handed out.
type Statement struct {
	ID       string          `json:"statement_id"`
	Status   StatementStatus `json:"status"`
	Manifest *Manifest       `json:"manifest,omitempty"`
	// Result is the raw first chunk delivered inline, if any.
	Result json.RawMessage `json:"result,omitempty"`
}

// State returns the statement state.
func (s *Statement) State() State { return s.Status.State }

// Err returns a QueryFailedError when the statement ended without success.
func (s *Statement) Err() error {
	switch s.Status.State {
	case StateFailed, StateCanceled, StateClosed:
		e := &QueryFailedError{StatementID: s.ID, State: s.Status.State}
		if s.Status.Error != nil {
			e.ErrorCode = s.Status.Error.ErrorCode
			e.Message = s.Status.Error.Message
		}
		return e
	}
	return nil
}

// Parameter is a named statement parameter, referenced as :name in SQL.
type Parameter struct {
	Name  string  `json:"name"`
	Value *string `json:"value"`
	Type  string  `json:"type,omitempty"`
}

// ExecuteRequest is the body of a statement submission.
type ExecuteRequest struct {
	WarehouseID   string      `json:"warehouse_id"`
	Statement     string      `json:"statement"`
	Catalog       string      `json:"catalog,omitempty"`
	Schema        string      `json:"schema,omitempty"`
	Parameters    []Parameter `json:"parameters,omitempty"`
	RowLimit      int64       `json:"row_limit,omitempty"`
	ByteLimit     int64       `json:"byte_limit,omitempty"`
	Disposition   string      `json:"disposition"`
	Format        string      `json:"format"`
	WaitTimeout   string      `json:"wait_timeout"`
	OnWaitTimeout string      `json:"on_wait_timeout,omitempty"`
}

// QueryOption adjusts a single statement submission.
type QueryOption func(*ExecuteRequest)

// WithWarehouse runs the statement on a warehouse other than the default.
func WithWarehouse(id string) QueryOption {
	return func(r *ExecuteRequest) { r.WarehouseID = id }
}

// WithCatalog sets the catalog for the statement.
func WithCatalog(catalog string) QueryOption {
	return func(r *ExecuteRequest) { r.Catalog = catalog }
}

// WithSchema sets the schema for the statement.
func WithSchema(schema string) QueryOption {
	return func(r *ExecuteRequest) { r.Schema = schema }
}

// WithRowLimit caps the number of rows the server returns.
func WithRowLimit(n int64) QueryOption {
	return func(r *ExecuteRequest) { r.RowLimit = n }
}

// WithByteLimit caps the result size the server returns.
func WithByteLimit(n int64) QueryOption {
	return func(r *ExecuteRequest) { r.ByteLimit = n }
}

// WithParameter binds a named parameter. A nil value binds NULL. typ may be
// empty, in which case the server treats the value as STRING.
func WithParameter(name string, value *string, typ string) QueryOption {
	return func(r *ExecuteRequest) {
		r.Parameters = append(r.Parameters, Parameter{Name: name, Value: value, Type: typ})
	}
}

// WithWaitTimeout overrides the server-side wait window for this submission.
func WithWaitTimeout(timeout string) QueryOption {
	return func(r *ExecuteRequest) { r.WaitTimeout = timeout }
}

func (c *Client) newExecuteRequest(sql string, opts []QueryOption) (*ExecuteRequest, error) {
	req := &ExecuteRequest{
		WarehouseID:   c.cfg.WarehouseID,
		Statement:     sql,
		Catalog:       c.cfg.Catalog,
		Schema:        c.cfg.Schema,
		Disposition:   DispositionInline,
		Format:        FormatJSONArray,
		WaitTimeout:   c.cfg.WaitTimeout,
		OnWaitTimeout: OnWaitContinue,
	}
	for _, opt := range opts {
		opt(req)
	}
	if req.WarehouseID == "" {
		return nil, &ConfigurationError{Field: "WarehouseID", Reason: "no warehouse given for the statement"}
	}
	if req.Statement == "" {
		return nil, &ConfigurationError{Field: "Statement", Reason: "statement is empty"}
	}
	if req.RowLimit < 0 || req.ByteLimit < 0 {
		return nil, &ConfigurationError{Field: "Limit", Reason: "row and byte limits must not be negative"}
	}
	if !validWaitTimeout(req.WaitTimeout) {
		return nil, &ConfigurationError{Field: "WaitTimeout", Reason: `must be "0s" or between "5s" and "50s"`}
	}
	return req, nil
}

// Submit sends a statement for execution. The server waits up to the
// configured wait window before answering, so the returned statement may
// already be in a terminal state.
func (c *Client) Submit(ctx context.Context, sql string, opts ...QueryOption) (*Statement, error) {
	req, err := c.newExecuteRequest(sql, opts)
	if err != nil {
		return nil, err
	}
	st := new(Statement)
	if err := c.doJSON(ctx, "POST", "statements", req, st); err != nil {
		return nil, err
	}
	if st.ID == "" {
		return nil, &ProtocolError{Reason: "submission response carries no statement_id"}
	}
	if st.Status.State == StateUnknown {
		return nil, &ProtocolError{Reason: fmt.Sprintf("statement %s reported no state", st.ID)}
	}
	c.logger.Debug().Str("statement_id", st.ID).Stringer("state", st.Status.State).Msg("statement submitted")
	return st, nil
}

// Poll fetches the current status of a statement.
func (c *Client) Poll(ctx context.Context, statementID string) (*Statement, error) {
	if statementID == "" {
		return nil, &ConfigurationError{Field: "StatementID", Reason: "is required"}
	}
	st := new(Statement)
	if err := c.doJSON(ctx, "GET", "statements/"+url.PathEscape(statementID), nil, st); err != nil {
		return nil, err
	}
	if st.ID == "" {
		st.ID = statementID
	}
	if st.ID != statementID {
		return nil, &ProtocolError{Reason: fmt.Sprintf("polled statement %s but server answered for %s", statementID, st.ID)}
	}
	c.metrics.observePoll()
	return st, nil
}

// Cancel asks the server to stop a statement. Cancellation is asynchronous;
// poll to observe the final state.
func (c *Client) Cancel(ctx context.Context, statementID string) error {
	if statementID == "" {
		return &ConfigurationError{Field: "StatementID", Reason: "is required"}
	}
	return c.doJSON(ctx, "POST", "statements/"+url.PathEscape(statementID)+"/cancel", nil, nil)
}

// Wait polls st until it reaches a terminal state and returns the final
// statement. A statement that is already terminal is returned unchanged.
//
// The loop has no iteration cap: the server decides when a statement is done.
// It ends early only when ctx ends, in which case the statement is cancelled
// on the server on a best-effort basis and a CancelledError is returned.
//
// A statement that ends FAILED, CANCELED or CLOSED yields a QueryFailedError
// alongside the final statement.
func (c *Client) Wait(ctx context.Context, st *Statement) (*Statement, error) {
	if st == nil {
		return nil, &ConfigurationError{Field: "Statement", Reason: "is nil"}
	}
	current := st
	polls := 0
	for current.Status.State.InProgress() {
		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			c.cancelAbandoned(current.ID)
			return nil, cancelled(ctx)
		}

		next, err := c.Poll(ctx, current.ID)
		if err != nil {
			if ctx.Err() != nil {
				c.cancelAbandoned(current.ID)
			}
			return nil, err
		}
		polls++

		state, err := current.Status.State.Advance(next.Status.State)
		if err != nil {
			return nil, fmt.Errorf("statement %s: %w", current.ID, err)
		}
		next.Status.State = state
		c.logger.Debug().
			Str("statement_id", current.ID).
			Stringer("state", state).
			Int("polls", polls).
			Msg("polled statement")
		current = next
	}

	c.metrics.observeStatement(current.Status.State)
	if err := current.Err(); err != nil {
		return current, err
	}
	return current, nil
}

// cancelAbandoned cancels a statement the caller stopped waiting for. It uses
// a background context so that it runs despite the caller's cancellation.
func (c *Client) cancelAbandoned(statementID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HTTPTimeout)
	defer cancel()
	if err := c.Cancel(ctx, statementID); err != nil {
		c.logger.Debug().Err(err).Str("statement_id", statementID).Msg("failed to cancel abandoned statement")
		return
	}
	c.logger.Debug().Str("statement_id", statementID).Msg("cancelled statement because the context was cancelled")
}

// Execute submits a statement and waits for it to succeed.
func (c *Client) Execute(ctx context.Context, sql string, opts ...QueryOption) (st *Statement, err error) {
	ctx, span := c.startSpan(ctx, "warehouse/execute")
	defer func() {
		if st != nil {
			span.SetAttributes(
				attribute.String("warehouse.statement_id", st.ID),
				attribute.String("warehouse.state", st.Status.State.String()),
			)
		}
		endSpan(span, err)
	}()

	submitted, err := c.Submit(ctx, sql, opts...)
	if err != nil {
		return nil, err
	}
	final, err := c.Wait(ctx, submitted)
	if err != nil {
		return final, err
	}
	if final.Status.State != StateSucceeded {
		return final, &ProtocolError{Reason: fmt.Sprintf("statement %s ended in %s", final.ID, final.Status.State)}
	}
	if final.Manifest == nil {
		return final, &ProtocolError{Reason: fmt.Sprintf("statement %s succeeded without a manifest", final.ID)}
	}
	return final, nil
}
