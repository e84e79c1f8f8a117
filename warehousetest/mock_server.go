// Package warehousetest provides an in-process statement execution server
// for tests. It speaks the same JSON wire format as a real warehouse:
// statements move through PENDING and RUNNING into a terminal state as they
// are polled, results are split into linked chunks, and faults can be queued
// to exercise retry and error handling.
package warehousetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BasePath is the API prefix the server listens on.
const BasePath = "/api/2.0/sql"

// --- Data Models ---

// StatementState is a statement state as sent on the wire.
type StatementState string

const (
	StatePending   StatementState = "PENDING"
	StateRunning   StatementState = "RUNNING"
	StateSucceeded StatementState = "SUCCEEDED"
	StateFailed    StatementState = "FAILED"
	StateCanceled  StatementState = "CANCELED"
	StateClosed    StatementState = "CLOSED"
)

func (s StatementState) terminal() bool {
	return s != StatePending && s != StateRunning
}

// Column describes one result column of a template.
type Column struct {
	Name     string
	TypeText string
	TypeName string
}

// StatementError is the failure reported for a FAILED statement.
type StatementError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// StatementTemplate defines the result and lifecycle of a SQL string. It acts
// as an immutable blueprint from which active statements are created.
//
// Lifecycle: the submission answers PENDING for PendingPolls observations,
// then RUNNING for RunningPolls observations, then the final state. With both
// zero the statement finishes within the submission call.
//
// Chunking: Data is split into chunks of ChunkSize rows (all rows in one chunk
// when ChunkSize is zero). The first chunk is delivered inline with the
// statement unless ExternalFirstChunk is set.
type StatementTemplate struct {
	SQL          string
	Columns      []Column
	Data         [][]any
	ChunkSize    int
	PendingPolls int
	RunningPolls int
	// Error makes the statement end FAILED.
	Error *StatementError
	// FinalState overrides the terminal state, e.g. StateCanceled.
	FinalState         StatementState
	Truncated          bool
	ExternalFirstChunk bool
	// RawChunks replaces the body of chunk fetches by chunk index.
	RawChunks map[int]string
	Latency   time.Duration
}

func (t *StatementTemplate) finalState() StatementState {
	switch {
	case t.FinalState != "":
		return t.FinalState
	case t.Error != nil:
		return StateFailed
	}
	return StateSucceeded
}

func (t *StatementTemplate) chunkSize() int {
	if t.ChunkSize <= 0 {
		return max(len(t.Data), 1)
	}
	return t.ChunkSize
}

func (t *StatementTemplate) chunkCount() int {
	if len(t.Data) == 0 {
		return 0
	}
	size := t.chunkSize()
	return (len(t.Data) + size - 1) / size
}

// Fault is a canned failure answered instead of the next request.
type Fault struct {
	Status     int
	RetryAfter string
	ErrorCode  string
	Message    string
	// Drop closes the connection without answering.
	Drop bool
}

// Submission is a decoded statement submission.
type Submission struct {
	WarehouseID   string      `json:"warehouse_id"`
	Statement     string      `json:"statement"`
	Catalog       string      `json:"catalog"`
	Schema        string      `json:"schema"`
	Parameters    []Parameter `json:"parameters"`
	RowLimit      int64       `json:"row_limit"`
	ByteLimit     int64       `json:"byte_limit"`
	Disposition   string      `json:"disposition"`
	Format        string      `json:"format"`
	WaitTimeout   string      `json:"wait_timeout"`
	OnWaitTimeout string      `json:"on_wait_timeout"`
}

// Parameter is a submitted statement parameter.
type Parameter struct {
	Name  string  `json:"name"`
	Value *string `json:"value"`
	Type  string  `json:"type"`
}

// Warehouse is the description served for a warehouse id.
type Warehouse struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	State             string `json:"state"`
	ClusterSize       string `json:"cluster_size"`
	MinNumClusters    int    `json:"min_num_clusters"`
	MaxNumClusters    int    `json:"max_num_clusters"`
	NumClusters       int    `json:"num_clusters"`
	NumActiveSessions int    `json:"num_active_sessions"`
	AutoStopMins      int    `json:"auto_stop_mins"`
}

// Route names used by Requests.
const (
	RouteSubmit    = "submit"
	RoutePoll      = "poll"
	RouteChunk     = "chunk"
	RouteCancel    = "cancel"
	RouteWarehouse = "warehouse"
)

type activeStatement struct {
	id       string
	template *StatementTemplate
	states   []StatementState
	step     int
	canceled bool
}

func (a *activeStatement) state() StatementState {
	if a.canceled {
		return StateCanceled
	}
	return a.states[a.step]
}

// --- Mock Server Implementation ---

// MockServer simulates a statement execution endpoint.
type MockServer struct {
	server *httptest.Server

	mu          sync.Mutex
	templates   map[string]*StatementTemplate
	statements  map[string]*activeStatement
	warehouses  map[string]Warehouse
	faults      []Fault
	tokens      map[string]bool
	requests    map[string]int
	submissions []Submission
	authHeaders []string
	requestIDs  []string
}

// NewMockServer starts a server. Close it when done.
func NewMockServer() *MockServer {
	m := &MockServer{
		templates:  make(map[string]*StatementTemplate),
		statements: make(map[string]*activeStatement),
		warehouses: make(map[string]Warehouse),
		requests:   make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+BasePath+"/statements", m.handleSubmit)
	mux.HandleFunc("GET "+BasePath+"/statements/{id}", m.handlePoll)
	mux.HandleFunc("POST "+BasePath+"/statements/{id}/cancel", m.handleCancel)
	mux.HandleFunc("GET "+BasePath+"/statements/{id}/result/chunks/{index}", m.handleChunk)
	mux.HandleFunc("GET "+BasePath+"/warehouses/{id}", m.handleWarehouse)

	m.server = httptest.NewServer(m.intercept(mux))
	return m
}

// AddStatement registers a template, replacing any with the same SQL.
func (m *MockServer) AddStatement(tmpl *StatementTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[tmpl.SQL] = tmpl
}

// AddWarehouse registers the description served for w.ID.
func (m *MockServer) AddWarehouse(w Warehouse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warehouses[w.ID] = w
}

// RequireToken makes the server answer 401 unless the request carries one
// of the given bearer tokens.
func (m *MockServer) RequireToken(tokens ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = make(map[string]bool, len(tokens))
	for _, t := range tokens {
		m.tokens[t] = true
	}
}

// FailNext queues faults answered, in order, to the next requests.
func (m *MockServer) FailNext(faults ...Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, faults...)
}

// Requests returns how many requests reached route, faults included.
func (m *MockServer) Requests(route string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[route]
}

// TotalRequests returns the number of requests received.
func (m *MockServer) TotalRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.requests {
		n += c
	}
	return n
}

// Submissions returns the decoded submissions received so far.
func (m *MockServer) Submissions() []Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Submission(nil), m.submissions...)
}

// AuthHeaders returns the Authorization header of every request received.
func (m *MockServer) AuthHeaders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.authHeaders...)
}

// RequestIDs returns the X-Request-Id header of every request received.
func (m *MockServer) RequestIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requestIDs...)
}

// Canceled reports whether a cancel request was received for id.
func (m *MockServer) Canceled(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statements[id]
	return ok && st.canceled
}

// URL returns the base URL of the mock server, without BasePath.
func (m *MockServer) URL() string { return m.server.URL }

// Close shuts down the mock server.
func (m *MockServer) Close() { m.server.Close() }

// --- Request Handlers ---

func routeOf(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, BasePath)
	switch {
	case strings.HasPrefix(path, "/warehouses/"):
		return RouteWarehouse
	case strings.HasSuffix(path, "/cancel"):
		return RouteCancel
	case strings.Contains(path, "/result/chunks/"):
		return RouteChunk
	case r.Method == http.MethodPost:
		return RouteSubmit
	}
	return RoutePoll
}

// intercept counts requests and answers queued faults and auth failures
// before a handler runs.
func (m *MockServer) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")

		m.mu.Lock()
		m.requests[routeOf(r)]++
		m.authHeaders = append(m.authHeaders, auth)
		m.requestIDs = append(m.requestIDs, r.Header.Get("X-Request-Id"))
		var fault *Fault
		if len(m.faults) > 0 {
			f := m.faults[0]
			m.faults = m.faults[1:]
			fault = &f
		}
		authorized := len(m.tokens) == 0 || m.tokens[strings.TrimPrefix(auth, "Bearer ")]
		m.mu.Unlock()

		switch {
		case fault != nil:
			m.writeFault(w, *fault)
		case !authorized:
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid access token")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (m *MockServer) writeFault(w http.ResponseWriter, f Fault) {
	if f.Drop {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		f.Status = http.StatusBadGateway
	}
	if f.Status == 0 {
		f.Status = http.StatusInternalServerError
	}
	if f.RetryAfter != "" {
		w.Header().Set("Retry-After", f.RetryAfter)
	}
	code := f.ErrorCode
	if code == "" {
		code = strings.ToUpper(strings.ReplaceAll(http.StatusText(f.Status), " ", "_"))
	}
	writeError(w, f.Status, code, f.Message)
}

func (m *MockServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", err.Error())
		return
	}
	var sub Submission
	if err := json.Unmarshal(body, &sub); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED_REQUEST", err.Error())
		return
	}
	if sub.WarehouseID == "" || sub.Statement == "" {
		writeError(w, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", "warehouse_id and statement are required")
		return
	}

	m.mu.Lock()
	m.submissions = append(m.submissions, sub)
	tmpl, ok := m.templates[sub.Statement]
	if !ok {
		tmpl = &StatementTemplate{
			SQL:     sub.Statement,
			Columns: []Column{{Name: "result", TypeText: "STRING", TypeName: "STRING"}},
			Data:    [][]any{{"statement template not found; default success"}},
		}
	}
	st := &activeStatement{id: uuid.NewString(), template: tmpl}
	for range tmpl.PendingPolls {
		st.states = append(st.states, StatePending)
	}
	for range tmpl.RunningPolls {
		st.states = append(st.states, StateRunning)
	}
	st.states = append(st.states, tmpl.finalState())
	m.statements[st.id] = st
	resp := m.statementResponse(st)
	m.mu.Unlock()

	if !sleep(r, tmpl.Latency) {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *MockServer) handlePoll(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	st, ok := m.statements[r.PathValue("id")]
	if !ok {
		m.mu.Unlock()
		writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "statement not found")
		return
	}
	if st.step < len(st.states)-1 {
		st.step++
	}
	resp := m.statementResponse(st)
	latency := st.template.Latency
	m.mu.Unlock()

	if !sleep(r, latency) {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *MockServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	st, ok := m.statements[r.PathValue("id")]
	if ok && !st.state().terminal() {
		st.canceled = true
	}
	m.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "statement not found")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (m *MockServer) handleChunk(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", "chunk index must be an integer")
		return
	}

	m.mu.Lock()
	st, ok := m.statements[r.PathValue("id")]
	if !ok {
		m.mu.Unlock()
		writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "statement not found")
		return
	}
	tmpl := st.template
	state := st.state()
	m.mu.Unlock()

	if state != StateSucceeded {
		writeError(w, http.StatusBadRequest, "INVALID_STATE", fmt.Sprintf("statement is %s", state))
		return
	}
	if !sleep(r, tmpl.Latency) {
		return
	}
	if raw, ok := tmpl.RawChunks[index]; ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, raw)
		return
	}
	if index < 0 || index >= tmpl.chunkCount() {
		writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", fmt.Sprintf("chunk %d does not exist", index))
		return
	}
	writeJSON(w, http.StatusOK, chunk(tmpl, index, true))
}

func (m *MockServer) handleWarehouse(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	wh, ok := m.warehouses[r.PathValue("id")]
	m.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "warehouse not found")
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

// --- Protocol Response Logic ---

type wireColumn struct {
	Name     string `json:"name"`
	TypeText string `json:"type_text"`
	TypeName string `json:"type_name,omitempty"`
	Position int    `json:"position"`
}

type wireChunk struct {
	ChunkIndex     int               `json:"chunk_index"`
	RowOffset      int               `json:"row_offset"`
	RowCount       int               `json:"row_count"`
	DataArray      []json.RawMessage `json:"data_array,omitempty"`
	NextChunkIndex *int              `json:"next_chunk_index,omitempty"`
}

type wireManifest struct {
	Format string `json:"format"`
	Schema struct {
		ColumnCount int          `json:"column_count"`
		Columns     []wireColumn `json:"columns"`
	} `json:"schema"`
	TotalRowCount   int         `json:"total_row_count"`
	TotalChunkCount int         `json:"total_chunk_count"`
	Truncated       bool        `json:"truncated"`
	Chunks          []wireChunk `json:"chunks,omitempty"`
}

type wireStatement struct {
	StatementID string `json:"statement_id"`
	Status      struct {
		State StatementState  `json:"state"`
		Error *StatementError `json:"error,omitempty"`
	} `json:"status"`
	Manifest *wireManifest `json:"manifest,omitempty"`
	Result   *wireChunk    `json:"result,omitempty"`
}

// statementResponse renders st. The caller holds m.mu.
func (m *MockServer) statementResponse(st *activeStatement) wireStatement {
	var resp wireStatement
	resp.StatementID = st.id
	resp.Status.State = st.state()
	if resp.Status.State == StateFailed {
		resp.Status.Error = st.template.Error
	}
	if resp.Status.State != StateSucceeded {
		return resp
	}

	tmpl := st.template
	man := &wireManifest{
		Format:          "JSON_ARRAY",
		TotalRowCount:   len(tmpl.Data),
		TotalChunkCount: tmpl.chunkCount(),
		Truncated:       tmpl.Truncated,
	}
	man.Schema.ColumnCount = len(tmpl.Columns)
	man.Schema.Columns = make([]wireColumn, len(tmpl.Columns))
	for i, col := range tmpl.Columns {
		man.Schema.Columns[i] = wireColumn{Name: col.Name, TypeText: col.TypeText, TypeName: col.TypeName, Position: i}
	}
	for i := range man.TotalChunkCount {
		man.Chunks = append(man.Chunks, chunk(tmpl, i, false))
	}
	resp.Manifest = man

	if man.TotalChunkCount > 0 && !tmpl.ExternalFirstChunk {
		first := chunk(tmpl, 0, true)
		resp.Result = &first
	}
	return resp
}

// chunk renders chunk index of tmpl, with rows when withData is set.
func chunk(tmpl *StatementTemplate, index int, withData bool) wireChunk {
	size := tmpl.chunkSize()
	start := index * size
	end := min(start+size, len(tmpl.Data))
	c := wireChunk{ChunkIndex: index, RowOffset: start, RowCount: end - start}
	if index+1 < tmpl.chunkCount() {
		next := index + 1
		c.NextChunkIndex = &next
	}
	if withData {
		c.DataArray = make([]json.RawMessage, 0, end-start)
		for _, row := range tmpl.Data[start:end] {
			b, _ := json.Marshal(row)
			c.DataArray = append(c.DataArray, b)
		}
	}
	return c
}

// writeJSON encodes v as JSON and writes it to the response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, StatementError{ErrorCode: code, Message: message})
}

// sleep waits for d unless the request is abandoned first.
func sleep(r *http.Request, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.Context().Done():
		return false
	case <-t.C:
		return true
	}
}
