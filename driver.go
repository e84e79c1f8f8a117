package warehouse

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DriverName is the name the driver is registered under.
const DriverName = "databricks"

func init() {
	sql.Register(DriverName, &warehouseDriver{})
}

// --- DSN Parsing ---

// parseDSN parses a driver DSN into a Config.
//
// Format: databricks://[token:<access_token>@]host[:port]/<warehouse_id>[?key=value&...]
//
// Query params: catalog, schema, timeout, max_retries, poll_interval,
// backoff, wait_timeout, base_path, scheme (https unless set to http),
// user_agent. Unknown params are rejected.
func parseDSN(dsn string) (Config, error) {
	var cfg Config
	u, err := url.Parse(dsn)
	if err != nil {
		return cfg, &ConfigurationError{Field: "DSN", Reason: err.Error()}
	}
	if u.Scheme != DriverName {
		return cfg, &ConfigurationError{Field: "DSN", Reason: fmt.Sprintf("unsupported scheme %q: must be %s", u.Scheme, DriverName)}
	}
	if u.Hostname() == "" {
		return cfg, &ConfigurationError{Field: "DSN", Reason: "missing host"}
	}

	if u.User != nil {
		if p, ok := u.User.Password(); ok {
			cfg.Token = p
		}
	}
	cfg.WarehouseID = strings.Trim(u.Path, "/")
	if strings.Contains(cfg.WarehouseID, "/") {
		return cfg, &ConfigurationError{Field: "DSN", Reason: "path must be a single warehouse id"}
	}

	scheme := "https"
	for key, values := range u.Query() {
		val := values[0]
		switch key {
		case "catalog":
			cfg.Catalog = val
		case "schema":
			cfg.Schema = val
		case "base_path":
			cfg.BasePath = val
		case "wait_timeout":
			cfg.WaitTimeout = val
		case "user_agent":
			cfg.UserAgent = val
		case "scheme":
			if val != "http" && val != "https" {
				return cfg, &ConfigurationError{Field: "DSN", Reason: fmt.Sprintf("scheme must be http or https, got %q", val)}
			}
			scheme = val
		case "timeout", "poll_interval", "backoff":
			d, err := time.ParseDuration(val)
			if err != nil {
				return cfg, &ConfigurationError{Field: "DSN", Reason: fmt.Sprintf("invalid %s: %v", key, err)}
			}
			switch key {
			case "timeout":
				cfg.HTTPTimeout = d
			case "poll_interval":
				cfg.PollInterval = d
			default:
				cfg.BackoffUnit = d
			}
		case "max_retries":
			n, err := strconv.Atoi(val)
			if err != nil {
				return cfg, &ConfigurationError{Field: "DSN", Reason: fmt.Sprintf("invalid max_retries: %v", err)}
			}
			cfg.MaxRetries = &n
		default:
			return cfg, &ConfigurationError{Field: "DSN", Reason: fmt.Sprintf("unknown parameter %q", key)}
		}
	}

	host := u.Hostname()
	if p := u.Port(); p != "" {
		host = net.JoinHostPort(host, p)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	cfg.Endpoint = scheme + "://" + host
	return cfg, nil
}

// --- Parameter Interpolation ---

// valueToSQL converts a Go driver.Value to a SQL literal string.
func valueToSQL(v driver.Value) (string, error) {
	switch val := v.(type) {
	case nil:
		return "NULL", nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case bool:
		if val {
			return "TRUE", nil
		}
		return "FALSE", nil
	case string:
		return quoteString(val), nil
	case []byte:
		return "X'" + hex.EncodeToString(val) + "'", nil
	case time.Time:
		return "TIMESTAMP '" + val.Format("2006-01-02 15:04:05.999999Z07:00") + "'", nil
	default:
		return "", fmt.Errorf("unsupported parameter type: %T", v)
	}
}

var stringEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// quoteString renders s as a single-quoted literal. Backslash is the escape
// character inside literals.
func quoteString(s string) string {
	return "'" + stringEscaper.Replace(s) + "'"
}

// interpolateParams replaces ? placeholders in the query with SQL literals.
// It skips ? characters inside quoted strings and backquoted identifiers.
func interpolateParams(query string, args []driver.Value) (string, error) {
	if len(args) == 0 {
		return query, nil
	}

	var buf strings.Builder
	buf.Grow(len(query) + len(args)*8)
	argIdx := 0
	var quote byte

	for i := 0; i < len(query); i++ {
		ch := query[i]
		if quote != 0 {
			buf.WriteByte(ch)
			switch {
			case ch == '\\' && quote != '`' && i+1 < len(query):
				i++
				buf.WriteByte(query[i])
			case ch == quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"', '`':
			quote = ch
			buf.WriteByte(ch)
		case '?':
			if argIdx >= len(args) {
				return "", fmt.Errorf("not enough arguments: query has more placeholders than the %d provided arguments", len(args))
			}
			s, err := valueToSQL(args[argIdx])
			if err != nil {
				return "", err
			}
			buf.WriteString(s)
			argIdx++
		default:
			buf.WriteByte(ch)
		}
	}

	if argIdx != len(args) {
		return "", fmt.Errorf("too many arguments: %d provided but only %d placeholders in query", len(args), argIdx)
	}
	return buf.String(), nil
}

// valueToParameter converts a named argument into a statement parameter.
func valueToParameter(name string, v driver.Value) (QueryOption, error) {
	var (
		text string
		typ  string
	)
	switch val := v.(type) {
	case nil:
		return WithParameter(name, nil, ""), nil
	case int64:
		text, typ = strconv.FormatInt(val, 10), "BIGINT"
	case float64:
		text, typ = strconv.FormatFloat(val, 'g', -1, 64), "DOUBLE"
	case bool:
		text, typ = strconv.FormatBool(val), "BOOLEAN"
	case string:
		text, typ = val, "STRING"
	case []byte:
		text, typ = string(val), "STRING"
	case time.Time:
		text, typ = val.Format(time.RFC3339Nano), "TIMESTAMP"
	default:
		return nil, fmt.Errorf("unsupported parameter type for :%s: %T", name, v)
	}
	return WithParameter(name, &text, typ), nil
}

// statementArgs splits driver arguments into an interpolated query and named
// statement parameters. Positional and named arguments cannot be mixed.
func statementArgs(query string, args []driver.NamedValue) (string, []QueryOption, error) {
	var (
		positional []driver.Value
		opts       []QueryOption
	)
	for _, arg := range args {
		if arg.Name == "" {
			positional = append(positional, arg.Value)
			continue
		}
		opt, err := valueToParameter(arg.Name, arg.Value)
		if err != nil {
			return "", nil, err
		}
		opts = append(opts, opt)
	}
	if len(positional) > 0 && len(opts) > 0 {
		return "", nil, errors.New("cannot mix positional and named arguments")
	}
	interpolated, err := interpolateParams(query, positional)
	if err != nil {
		return "", nil, err
	}
	return interpolated, opts, nil
}

// --- Type Conversion ---

// normalizeType reduces a column type to its base name, e.g.
// "DECIMAL(10,2)" → "DECIMAL", "ARRAY<INT>" → "ARRAY", "bigint" → "LONG".
func normalizeType(col Column) string {
	t := col.TypeName
	if t == "" {
		t = col.TypeText
	}
	t = strings.ToUpper(strings.TrimSpace(t))
	if idx := strings.IndexAny(t, "(<"); idx >= 0 {
		t = strings.TrimSpace(t[:idx])
	}
	switch t {
	case "BIGINT":
		return "LONG"
	case "INTEGER":
		return "INT"
	case "SMALLINT":
		return "SHORT"
	case "TINYINT":
		return "BYTE"
	case "REAL":
		return "FLOAT"
	case "VARCHAR":
		return "STRING"
	case "DEC", "NUMERIC":
		return "DECIMAL"
	}
	if strings.HasPrefix(t, "INTERVAL") {
		return "INTERVAL"
	}
	return t
}

var (
	typeInt64   = reflect.TypeOf(int64(0))
	typeFloat64 = reflect.TypeOf(float64(0))
	typeBool    = reflect.TypeOf(false)
	typeString  = reflect.TypeOf("")
	typeBytes   = reflect.TypeOf([]byte(nil))
	typeTime    = reflect.TypeOf(time.Time{})
)

// scanTypeFor returns the reflect.Type that Scan should use for a column.
func scanTypeFor(col Column) reflect.Type {
	switch normalizeType(col) {
	case "LONG", "INT", "SHORT", "BYTE":
		return typeInt64
	case "DOUBLE", "FLOAT":
		return typeFloat64
	case "BOOLEAN":
		return typeBool
	case "BINARY":
		return typeBytes
	case "DATE", "TIMESTAMP", "TIMESTAMP_NTZ":
		return typeTime
	default:
		// STRING, DECIMAL, INTERVAL, ARRAY, MAP, STRUCT and unknown types → string
		return typeString
	}
}

// convertValue converts a decoded JSON value to the Go type of the column.
// Values arrive either as JSON scalars or as their string rendering.
func convertValue(val any, col Column) (driver.Value, error) {
	if val == nil {
		return nil, nil
	}

	switch typ := normalizeType(col); typ {
	case "LONG", "INT", "SHORT", "BYTE":
		switch v := val.(type) {
		case json.Number:
			return v.Int64()
		case string:
			return strconv.ParseInt(v, 10, 64)
		}
		return nil, fmt.Errorf("cannot convert %T to int64 for type %s", val, col.TypeText)

	case "DOUBLE", "FLOAT":
		switch v := val.(type) {
		case json.Number:
			return v.Float64()
		case string:
			return strconv.ParseFloat(v, 64)
		}
		return nil, fmt.Errorf("cannot convert %T to float64 for type %s", val, col.TypeText)

	case "BOOLEAN":
		switch v := val.(type) {
		case bool:
			return v, nil
		case string:
			return strconv.ParseBool(v)
		}
		return nil, fmt.Errorf("cannot convert %T to bool for type %s", val, col.TypeText)

	case "DATE":
		if s, ok := val.(string); ok {
			return time.Parse(time.DateOnly, s)
		}
		return nil, fmt.Errorf("cannot convert %T to date", val)

	case "TIMESTAMP", "TIMESTAMP_NTZ":
		if s, ok := val.(string); ok {
			return parseTimestamp(s)
		}
		return nil, fmt.Errorf("cannot convert %T to %s", val, strings.ToLower(typ))

	case "BINARY":
		if s, ok := val.(string); ok {
			return base64.StdEncoding.DecodeString(s)
		}
		return nil, fmt.Errorf("cannot convert %T to binary", val)

	default:
		// Scalars keep their text, so DECIMAL stays exact. Complex types
		// become JSON text.
		switch v := val.(type) {
		case string:
			return v, nil
		case json.Number:
			return v.String(), nil
		case bool:
			return strconv.FormatBool(v), nil
		}
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
}

// parseTimestamp parses a timestamp rendered with or without a zone.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp %q", s)
}

// decimalPrecisionScale extracts p and s from "DECIMAL(p,s)".
func decimalPrecisionScale(typeText string) (int64, int64, bool) {
	open := strings.IndexByte(typeText, '(')
	end := strings.IndexByte(typeText, ')')
	if open < 0 || end < open {
		return 0, 0, false
	}
	p, s, ok := strings.Cut(typeText[open+1:end], ",")
	if !ok {
		return 0, 0, false
	}
	precision, err1 := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
	scale, err2 := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return precision, scale, true
}

// --- Driver Types ---

// warehouseDriver implements driver.Driver and driver.DriverContext.
type warehouseDriver struct{}

var _ driver.Driver = (*warehouseDriver)(nil)
var _ driver.DriverContext = (*warehouseDriver)(nil)

// Open implements driver.Driver. It parses the DSN and returns a new connection.
func (d *warehouseDriver) Open(dsn string) (driver.Conn, error) {
	connector, err := NewConnector(dsn)
	if err != nil {
		return nil, err
	}
	return connector.Connect(context.Background())
}

// OpenConnector implements driver.DriverContext.
func (d *warehouseDriver) OpenConnector(dsn string) (driver.Connector, error) {
	return NewConnector(dsn)
}

// --- Connector ---

// ConnectorOption configures a connector.
type ConnectorOption func(*connector)

// WithCredential authenticates the connector's client with cred instead of
// a token in the DSN. This lets the auth packages plug identity-provider
// credentials into DSN-built connections.
func WithCredential(cred Credential) ConnectorOption {
	return func(c *connector) {
		c.cfg.Credential = cred
		c.cfg.Token = ""
	}
}

// WithClientOptions passes options to the client the connector creates.
func WithClientOptions(opts ...ClientOption) ConnectorOption {
	return func(c *connector) {
		c.clientOpts = append(c.clientOpts, opts...)
	}
}

// connector implements driver.Connector. It creates one shared Client (via
// sync.Once) and hands out lightweight connections over it.
type connector struct {
	cfg        Config
	clientOpts []ClientOption

	once   sync.Once
	client *Client
	err    error
}

var _ driver.Connector = (*connector)(nil)

// NewConnector creates a new driver.Connector from a DSN string.
// Use this with sql.OpenDB for connection pool management.
func NewConnector(dsn string, opts ...ConnectorOption) (driver.Connector, error) {
	cfg, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	c := &connector{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect implements driver.Connector.
func (c *connector) Connect(ctx context.Context) (driver.Conn, error) {
	c.once.Do(func() {
		c.client, c.err = NewClient(c.cfg, c.clientOpts...)
	})
	if c.err != nil {
		return nil, c.err
	}
	return &conn{client: c.client}, nil
}

// Driver implements driver.Connector.
func (c *connector) Driver() driver.Driver {
	return &warehouseDriver{}
}

// --- Connection ---

// conn implements driver.Conn, driver.QueryerContext, driver.ExecerContext,
// driver.ConnBeginTx and driver.Pinger. Connections hold no server-side
// state; every statement is independent.
type conn struct {
	client *Client
	closed bool
}

var _ driver.Conn = (*conn)(nil)
var _ driver.QueryerContext = (*conn)(nil)
var _ driver.ExecerContext = (*conn)(nil)
var _ driver.ConnBeginTx = (*conn)(nil)
var _ driver.Pinger = (*conn)(nil)

// Prepare implements driver.Conn.
func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return &stmt{conn: c, query: query}, nil
}

// Close implements driver.Conn.
func (c *conn) Close() error {
	c.closed = true
	return nil
}

// Begin implements driver.Conn. Use BeginTx instead.
func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx implements driver.ConnBeginTx. Statements run in auto-commit mode
// and transactions are not supported.
func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	return nil, errors.New("warehouse: transactions are not supported")
}

// Ping implements driver.Pinger by running SELECT 1.
func (c *conn) Ping(ctx context.Context) error {
	if c.closed {
		return driver.ErrBadConn
	}
	_, err := c.client.ExecuteQuery(ctx, "SELECT 1")
	return err
}

// QueryContext implements driver.QueryerContext. Rows are fetched chunk by
// chunk while the caller iterates; ctx must stay alive until rows are closed.
func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if c.closed {
		return nil, driver.ErrBadConn
	}
	interpolated, opts, err := statementArgs(query, args)
	if err != nil {
		return nil, err
	}
	st, err := c.client.Execute(ctx, interpolated, opts...)
	if err != nil {
		return nil, err
	}
	return newRows(ctx, c.client, st), nil
}

// ExecContext implements driver.ExecerContext.
func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if c.closed {
		return nil, driver.ErrBadConn
	}
	interpolated, opts, err := statementArgs(query, args)
	if err != nil {
		return nil, err
	}
	res, err := c.client.ExecuteQuery(ctx, interpolated, opts...)
	if err != nil {
		return nil, err
	}
	return newResult(res)
}

// --- Result ---

// result implements driver.Result.
type result struct {
	affected *int64
}

var _ driver.Result = (*result)(nil)

// newResult reads the affected row count DML statements report in a
// num_affected_rows column.
func newResult(res *QueryResult) (*result, error) {
	r := &result{}
	for i, col := range res.Columns {
		if col.Name != "num_affected_rows" || len(res.Rows) == 0 {
			continue
		}
		v, err := convertValue(res.Rows[0][i], Column{TypeName: "LONG"})
		if err != nil {
			return nil, fmt.Errorf("warehouse: invalid num_affected_rows: %w", err)
		}
		if n, ok := v.(int64); ok {
			r.affected = &n
		}
		break
	}
	return r, nil
}

// LastInsertId implements driver.Result. The warehouse has no auto-increment IDs.
func (r *result) LastInsertId() (int64, error) {
	return 0, errors.New("warehouse: LastInsertId is not supported")
}

// RowsAffected implements driver.Result.
func (r *result) RowsAffected() (int64, error) {
	if r.affected == nil {
		return 0, nil
	}
	return *r.affected, nil
}

// --- Rows ---

// rows implements driver.Rows along with the column type interfaces. It pulls
// rows from the chunk walker one at a time.
type rows struct {
	columns []Column
	next    func() (json.RawMessage, error, bool)
	stop    func()
	closed  bool
}

var _ driver.Rows = (*rows)(nil)
var _ driver.RowsColumnTypeDatabaseTypeName = (*rows)(nil)
var _ driver.RowsColumnTypeScanType = (*rows)(nil)
var _ driver.RowsColumnTypeNullable = (*rows)(nil)
var _ driver.RowsColumnTypePrecisionScale = (*rows)(nil)

func newRows(ctx context.Context, client *Client, st *Statement) *rows {
	next, stop := iter.Pull2(client.Rows(ctx, st))
	return &rows{columns: st.Manifest.Schema.Columns, next: next, stop: stop}
}

// Columns implements driver.Rows.
func (r *rows) Columns() []string {
	names := make([]string, len(r.columns))
	for i, col := range r.columns {
		names[i] = col.Name
	}
	return names
}

// Close implements driver.Rows. Chunks not yet fetched are skipped.
func (r *rows) Close() error {
	if !r.closed {
		r.closed = true
		r.stop()
	}
	return nil
}

// Next implements driver.Rows.
func (r *rows) Next(dest []driver.Value) error {
	if r.closed {
		return io.EOF
	}
	raw, err, ok := r.next()
	if !ok {
		return io.EOF
	}
	if err != nil {
		return err
	}

	row, err := decodeRow(raw, len(r.columns))
	if err != nil {
		return err
	}
	for i, col := range r.columns {
		val, err := convertValue(row[i], col)
		if err != nil {
			return fmt.Errorf("warehouse: column %q: %w", col.Name, err)
		}
		dest[i] = val
	}
	return nil
}

// ColumnTypeDatabaseTypeName implements driver.RowsColumnTypeDatabaseTypeName.
func (r *rows) ColumnTypeDatabaseTypeName(index int) string {
	if index < 0 || index >= len(r.columns) {
		return ""
	}
	return normalizeType(r.columns[index])
}

// ColumnTypeScanType implements driver.RowsColumnTypeScanType.
func (r *rows) ColumnTypeScanType(index int) reflect.Type {
	if index < 0 || index >= len(r.columns) {
		return typeString
	}
	return scanTypeFor(r.columns[index])
}

// ColumnTypeNullable implements driver.RowsColumnTypeNullable. Result
// schemas carry no nullability, so every column may be NULL.
func (r *rows) ColumnTypeNullable(int) (nullable, ok bool) {
	return true, false
}

// ColumnTypePrecisionScale implements driver.RowsColumnTypePrecisionScale.
func (r *rows) ColumnTypePrecisionScale(index int) (precision, scale int64, ok bool) {
	if index < 0 || index >= len(r.columns) || normalizeType(r.columns[index]) != "DECIMAL" {
		return 0, 0, false
	}
	return decimalPrecisionScale(r.columns[index].TypeText)
}

// --- Statement ---

// stmt implements driver.Stmt, driver.StmtQueryContext, and driver.StmtExecContext.
type stmt struct {
	conn  *conn
	query string
}

var _ driver.Stmt = (*stmt)(nil)
var _ driver.StmtQueryContext = (*stmt)(nil)
var _ driver.StmtExecContext = (*stmt)(nil)

// Close implements driver.Stmt.
func (s *stmt) Close() error {
	return nil
}

// NumInput implements driver.Stmt. Returns -1 to disable driver-side validation.
func (s *stmt) NumInput() int {
	return -1
}

// Exec implements driver.Stmt.
func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), namedValues(args))
}

// Query implements driver.Stmt.
func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), namedValues(args))
}

// ExecContext implements driver.StmtExecContext.
func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return s.conn.ExecContext(ctx, s.query, args)
}

// QueryContext implements driver.StmtQueryContext.
func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return s.conn.QueryContext(ctx, s.query, args)
}

// namedValues converts positional args to NamedValue slice.
func namedValues(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}
