package warehouse

import (
	"bytes"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// jsonSource returns the JSON text the driver produced for a complex column.
func jsonSource(src any, into string) ([]byte, error) {
	switch v := src.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	return nil, fmt.Errorf("warehouse: cannot scan %T into %s", src, into)
}

// decodeNested decodes one complex column value into v. Numbers landing in
// interface values stay json.Number so BIGINT and DECIMAL members keep the
// literal the server sent.
func decodeNested(data []byte, v any, kind string) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("warehouse: cannot unmarshal %s: %w", kind, err)
	}
	if dec.More() {
		return fmt.Errorf("warehouse: cannot unmarshal %s: trailing data after value", kind)
	}
	return nil
}

// jsonValue renders v as the JSON text a query parameter expects.
func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// NullSlice is a nullable JSON array that implements sql.Scanner and driver.Valuer.
// Use it to scan ARRAY columns into Go slices.
//
//	var names NullSlice[string]
//	err := row.Scan(&names)
type NullSlice[T any] struct {
	Slice []T
	Valid bool // Valid is true if the value is not NULL
}

var _ sql.Scanner = (*NullSlice[any])(nil)
var _ driver.Valuer = (*NullSlice[any])(nil)

// Scan implements sql.Scanner. It expects a JSON string or []byte from the driver.
func (s *NullSlice[T]) Scan(src any) error {
	s.Slice, s.Valid = nil, false
	if src == nil {
		return nil
	}
	data, err := jsonSource(src, "NullSlice")
	if err != nil {
		return err
	}
	if err := decodeNested(data, &s.Slice, "array"); err != nil {
		return err
	}
	s.Valid = true
	return nil
}

// Value implements driver.Valuer.
func (s NullSlice[T]) Value() (driver.Value, error) {
	if !s.Valid {
		return nil, nil
	}
	return jsonValue(s.Slice)
}

// NullMap is a nullable JSON object that implements sql.Scanner and driver.Valuer.
// Use it to scan MAP columns into Go maps.
//
//	var props NullMap[string, int]
//	err := row.Scan(&props)
type NullMap[K comparable, V any] struct {
	Map   map[K]V
	Valid bool // Valid is true if the value is not NULL
}

var _ sql.Scanner = (*NullMap[string, any])(nil)
var _ driver.Valuer = (*NullMap[string, any])(nil)

// Scan implements sql.Scanner. It expects a JSON string or []byte from the driver.
func (m *NullMap[K, V]) Scan(src any) error {
	m.Map, m.Valid = nil, false
	if src == nil {
		return nil
	}
	data, err := jsonSource(src, "NullMap")
	if err != nil {
		return err
	}
	if err := decodeNested(data, &m.Map, "map"); err != nil {
		return err
	}
	m.Valid = true
	return nil
}

// Value implements driver.Valuer.
func (m NullMap[K, V]) Value() (driver.Value, error) {
	if !m.Valid {
		return nil, nil
	}
	return jsonValue(m.Map)
}

// NullStruct is a nullable JSON object that implements sql.Scanner and
// driver.Valuer. Use it to scan STRUCT columns into Go structs or maps.
//
//	type Address struct {
//	    Street string `json:"street"`
//	    City   string `json:"city"`
//	}
//	var addr NullStruct[Address]
//	err := row.Scan(&addr)
type NullStruct[T any] struct {
	Struct T
	Valid  bool // Valid is true if the value is not NULL
}

var _ sql.Scanner = (*NullStruct[any])(nil)
var _ driver.Valuer = (*NullStruct[any])(nil)

// Scan implements sql.Scanner. It expects a JSON string or []byte from the driver.
func (r *NullStruct[T]) Scan(src any) error {
	var zero T
	r.Struct, r.Valid = zero, false
	if src == nil {
		return nil
	}
	data, err := jsonSource(src, "NullStruct")
	if err != nil {
		return err
	}
	if err := decodeNested(data, &r.Struct, "struct"); err != nil {
		return err
	}
	r.Valid = true
	return nil
}

// Value implements driver.Valuer.
func (r NullStruct[T]) Value() (driver.Value, error) {
	if !r.Valid {
		return nil, nil
	}
	return jsonValue(r.Struct)
}
