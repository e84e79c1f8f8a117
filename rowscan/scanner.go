// Package rowscan extracts rows from a JSON result payload one at a time,
// without decoding the payload into a document tree.
//
// A payload looks like
//
//	{"chunk_index":0,"row_count":2,"data_array":[["1","a"],["2","b"]],"next_chunk_index":1}
//
// The scanner walks the object keys named by its path down to the row array
// and then hands out each element of that array as the exact bytes that
// appeared on the wire. Scalar and container members that sit next to the row
// array are kept so that pagination fields such as next_chunk_index can be read
// once the scan is complete. Everything else is skipped.
//
// Parser state is a stack of open containers, so memory use is bounded by the
// nesting depth plus the size of the current row.
package rowscan

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultPath locates the row array of a chunk response.
var DefaultPath = []string{"data_array"}

// SyntaxError reports malformed input.
type SyntaxError struct {
	Offset int64 // byte offset at which the problem was noticed
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("rowscan: %s at offset %d", e.Msg, e.Offset)
}

// Span is the byte range of a row within the scanned input. End is exclusive.
type Span struct {
	Start int64
	End   int64
}

// Len returns the number of bytes covered by the span.
func (s Span) Len() int64 { return s.End - s.Start }

type scanState int

const (
	stateStart scanState = iota
	stateMembers
	stateRows
	stateDone
)

// Scanner reads rows from a JSON object. It is not safe for concurrent use.
type Scanner struct {
	r    *bufio.Reader
	path []string

	off   int64
	depth int // path objects currently open
	state scanState

	// first is true until the first member of the current object is read.
	first bool
	// rowFirst is true until the first element of the row array is read.
	rowFirst bool
	// arrayDone is set once the row array was consumed or ruled out.
	arrayDone bool

	row    []byte
	span   Span
	rows   int
	fields map[string]json.RawMessage
	stack  []byte
	err    error
}

// NewScanner returns a Scanner reading from r. path names the object keys
// leading to the row array; when empty, DefaultPath is used.
func NewScanner(r io.Reader, path ...string) *Scanner {
	if len(path) == 0 {
		path = DefaultPath
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 32*1024)
	}
	return &Scanner{
		r:      br,
		path:   path,
		fields: make(map[string]json.RawMessage),
		stack:  make([]byte, 0, 16),
	}
}

// Next advances to the next row. It returns false at the end of the input or
// on error; Err distinguishes the two.
func (s *Scanner) Next() bool {
	s.row = nil
	for s.err == nil {
		switch s.state {
		case stateStart:
			c, err := s.nextNonSpace()
			if err != nil {
				s.fail(err)
				return false
			}
			if c != '{' {
				s.fail(s.syntax("expected '{' at start of payload"))
				return false
			}
			s.depth = 1
			s.first = true
			s.state = stateMembers
		case stateMembers:
			if err := s.member(); err != nil {
				s.fail(err)
				return false
			}
		case stateRows:
			row, ok, err := s.element()
			if err != nil {
				s.fail(err)
				return false
			}
			if ok {
				s.row = row
				s.rows++
				return true
			}
		case stateDone:
			return false
		}
	}
	return false
}

// Row returns the bytes of the current row. The slice is owned by the caller.
func (s *Scanner) Row() []byte { return s.row }

// Span returns the byte range of the current row.
func (s *Scanner) Span() Span { return s.span }

// Rows returns the number of rows produced so far.
func (s *Scanner) Rows() int { return s.rows }

// Err returns the first error encountered. Reaching the end of the input is
// not an error.
func (s *Scanner) Err() error { return s.err }

// Done reports whether the whole payload has been consumed.
func (s *Scanner) Done() bool { return s.state == stateDone && s.err == nil }

// Field returns a member that sits next to the row array. Members after the
// array are only available once Next has returned false.
func (s *Scanner) Field(name string) (json.RawMessage, bool) {
	v, ok := s.fields[name]
	return v, ok
}

// Fields returns every member captured next to the row array.
func (s *Scanner) Fields() map[string]json.RawMessage { return s.fields }

// Drain consumes the remaining input, discarding rows.
func (s *Scanner) Drain() error {
	for s.Next() {
	}
	return s.err
}

func (s *Scanner) fail(err error) {
	if errors.Is(err, io.EOF) {
		err = s.syntax("unexpected end of input")
	}
	s.err = err
	s.state = stateDone
	s.row = nil
}

func (s *Scanner) syntax(msg string) error {
	return &SyntaxError{Offset: s.off, Msg: msg}
}

func (s *Scanner) readByte() (byte, error) {
	c, err := s.r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("rowscan: read: %w", err)
	}
	s.off++
	return c, nil
}

func (s *Scanner) unreadByte() {
	_ = s.r.UnreadByte()
	s.off--
}

func (s *Scanner) nextNonSpace() (byte, error) {
	for {
		c, err := s.readByte()
		if err != nil {
			return 0, err
		}
		if !isSpace(c) {
			return c, nil
		}
	}
}

// member consumes one member of the current path object, or its closing brace.
func (s *Scanner) member() error {
	c, err := s.nextNonSpace()
	if err != nil {
		return err
	}
	if c == '}' {
		return s.closeObject()
	}
	if !s.first {
		if c != ',' {
			return s.syntax("expected ',' or '}' after object member")
		}
		if c, err = s.nextNonSpace(); err != nil {
			return err
		}
	}
	if c != '"' {
		return s.syntax("expected member name")
	}
	s.first = false

	key, err := s.readKey()
	if err != nil {
		return err
	}
	if c, err = s.nextNonSpace(); err != nil {
		return err
	}
	if c != ':' {
		return s.syntax("expected ':' after member name")
	}
	if c, err = s.nextNonSpace(); err != nil {
		return err
	}

	onPath := s.depth <= len(s.path) && key == s.path[s.depth-1]
	if onPath && s.arrayDone {
		return s.syntax(fmt.Sprintf("duplicate member %q", key))
	}
	if onPath {
		last := s.depth == len(s.path)
		switch {
		case c == 'n':
			if _, err := s.readLiteral(c); err != nil {
				return err
			}
			s.arrayDone = true
			return nil
		case last && c == '[':
			s.state = stateRows
			s.rowFirst = true
			return nil
		case !last && c == '{':
			s.depth++
			s.first = true
			return nil
		default:
			return s.syntax(fmt.Sprintf("unexpected value for %q", key))
		}
	}

	record := s.depth == len(s.path)
	raw, err := s.readValue(c, record)
	if err != nil {
		return err
	}
	if record {
		if !json.Valid(raw) {
			return s.syntax(fmt.Sprintf("invalid value for %q", key))
		}
		s.fields[key] = raw
	}
	return nil
}

func (s *Scanner) closeObject() error {
	s.depth--
	if s.depth > 0 {
		// Leaving a path object: the row array can no longer appear.
		s.first = false
		s.arrayDone = true
		return nil
	}
	for {
		c, err := s.readByte()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if !isSpace(c) {
			s.unreadByte()
			return s.syntax("unexpected data after payload")
		}
	}
	s.state = stateDone
	return nil
}

// element consumes one element of the row array. ok is false once the array
// is closed.
func (s *Scanner) element() (row []byte, ok bool, err error) {
	c, err := s.nextNonSpace()
	if err != nil {
		return nil, false, err
	}
	if c == ']' {
		s.state = stateMembers
		s.arrayDone = true
		s.first = false
		return nil, false, nil
	}
	if !s.rowFirst {
		if c != ',' {
			return nil, false, s.syntax("expected ',' or ']' in row array")
		}
		if c, err = s.nextNonSpace(); err != nil {
			return nil, false, err
		}
	}
	s.rowFirst = false
	if c != '[' {
		return nil, false, s.syntax("row is not an array")
	}

	start := s.off - 1
	raw, err := s.readValue(c, true)
	if err != nil {
		return nil, false, err
	}
	if !json.Valid(raw) {
		return nil, false, &SyntaxError{Offset: start, Msg: "invalid row"}
	}
	s.span = Span{Start: start, End: s.off}
	return raw, true, nil
}

// readValue consumes the value whose first byte is c. The value bytes are
// returned only when record is set.
func (s *Scanner) readValue(c byte, record bool) ([]byte, error) {
	var buf []byte
	if record {
		buf = append(make([]byte, 0, 64), c)
	}
	switch {
	case c == '{' || c == '[':
		return s.readContainer(c, buf, record)
	case c == '"':
		return s.readString(buf, record)
	default:
		lit, err := s.readLiteral(c)
		if err != nil {
			return nil, err
		}
		if record {
			return lit, nil
		}
		return nil, nil
	}
}

// readContainer skips a balanced object or array. Strings inside it are
// opaque, so brackets within them do not affect the nesting.
func (s *Scanner) readContainer(open byte, buf []byte, record bool) ([]byte, error) {
	stack := append(s.stack[:0], closerFor(open))
	for {
		c, err := s.readByte()
		if err != nil {
			return nil, err
		}
		if record {
			buf = append(buf, c)
		}
		switch c {
		case '"':
			if buf, err = s.readString(buf, record); err != nil {
				return nil, err
			}
		case '{', '[':
			stack = append(stack, closerFor(c))
		case '}', ']':
			if stack[len(stack)-1] != c {
				return nil, s.syntax(fmt.Sprintf("mismatched '%c'", c))
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				s.stack = stack
				return buf, nil
			}
		default:
			if !isSpace(c) && !isValueByte(c) {
				return nil, s.syntax(fmt.Sprintf("invalid character %q", c))
			}
		}
	}
}

// readString consumes a string body; the opening quote has been read.
func (s *Scanner) readString(buf []byte, record bool) ([]byte, error) {
	for {
		c, err := s.readByte()
		if err != nil {
			return nil, err
		}
		if record {
			buf = append(buf, c)
		}
		switch {
		case c == '"':
			return buf, nil
		case c < 0x20:
			return nil, s.syntax("control character in string")
		case c == '\\':
			e, err := s.readByte()
			if err != nil {
				return nil, err
			}
			if record {
				buf = append(buf, e)
			}
			switch e {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
			case 'u':
				for i := 0; i < 4; i++ {
					h, err := s.readByte()
					if err != nil {
						return nil, err
					}
					if !isHex(h) {
						return nil, s.syntax("invalid unicode escape")
					}
					if record {
						buf = append(buf, h)
					}
				}
			default:
				return nil, s.syntax(fmt.Sprintf("invalid escape '\\%c'", e))
			}
		}
	}
}

// readKey reads a member name; the opening quote has been read.
func (s *Scanner) readKey() (string, error) {
	raw, err := s.readString([]byte{'"'}, true)
	if err != nil {
		return "", err
	}
	if bytes.IndexByte(raw, '\\') < 0 {
		return string(raw[1 : len(raw)-1]), nil
	}
	var key string
	if err := json.Unmarshal(raw, &key); err != nil {
		return "", s.syntax("invalid member name")
	}
	return key, nil
}

// readLiteral reads a number, true, false or null starting with c.
func (s *Scanner) readLiteral(c byte) ([]byte, error) {
	if !isLiteralStart(c) {
		return nil, s.syntax(fmt.Sprintf("invalid character %q", c))
	}
	lit := append(make([]byte, 0, 16), c)
	for {
		b, err := s.readByte()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if isSpace(b) || b == ',' || b == '}' || b == ']' {
			s.unreadByte()
			break
		}
		lit = append(lit, b)
	}
	if !json.Valid(lit) {
		return nil, s.syntax(fmt.Sprintf("invalid literal %q", lit))
	}
	return lit, nil
}

func closerFor(open byte) byte {
	if open == '{' {
		return '}'
	}
	return ']'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func isLiteralStart(c byte) bool {
	return c == '-' || ('0' <= c && c <= '9') || c == 't' || c == 'f' || c == 'n'
}

// isValueByte reports whether c may appear outside strings inside a container.
func isValueByte(c byte) bool {
	switch c {
	case ',', ':', '-', '+', '.', 'e', 'E', 't', 'r', 'u', 'f', 'a', 'l', 's', 'n':
		return true
	}
	return '0' <= c && c <= '9'
}

// Split breaks one row into its element values, preserving each literal.
func Split(row []byte) ([]json.RawMessage, error) {
	var values []json.RawMessage
	if err := json.Unmarshal(row, &values); err != nil {
		return nil, &SyntaxError{Msg: "row is not a JSON array: " + err.Error()}
	}
	return values, nil
}
