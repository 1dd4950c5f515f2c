// Package sql implements the SQL capability over database/sql with the
// postgres (pgx) and sqlite (modernc) drivers.
package sql

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/reglet-dev/caphost/internal/application/services"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/wireformat"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Database is the operation set of one SQL backend.
type Database interface {
	Query(ctx context.Context, stmt wireformat.SQLStatementWire) (wireformat.SQLRowSetWire, error)
	// Exec runs a statement and returns the number of rows affected.
	Exec(ctx context.Context, stmt wireformat.SQLStatementWire) (uint64, error)
}

// Backend discriminators.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Factories returns the constructor of every SQL backend.
func Factories() map[string]services.Factory[Database] {
	return map[string]services.Factory[Database]{
		BackendPostgres: NewPostgres,
		BackendSQLite:   NewSQLite,
	}
}

// DB runs statements through a database/sql pool.
type DB struct {
	db *sql.DB
}

// NewPostgres opens a pool on config "dsn".
func NewPostgres(ctx context.Context, cfg *capabilities.InstanceConfig) (Database, error) {
	dsn, err := cfg.Require("dsn")
	if err != nil {
		return nil, err
	}
	return open(ctx, cfg, "pgx", dsn)
}

// NewSQLite opens the database file at config "path", relative to the
// manifest. Config "dsn" overrides it with a full driver DSN.
func NewSQLite(ctx context.Context, cfg *capabilities.InstanceConfig) (Database, error) {
	dsn := cfg.Get("dsn", "")
	if dsn == "" {
		path, err := cfg.Require("path")
		if err != nil {
			return nil, err
		}
		dsn = cfg.ResolvePath(path)
	}
	return open(ctx, cfg, "sqlite", dsn)
}

func open(ctx context.Context, cfg *capabilities.InstanceConfig, driver, dsn string) (*DB, error) {
	maxOpen, err := cfg.Int("max_open_conns", 0)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database %q: %w", driver, cfg.Name, err)
	}
	db.SetMaxOpenConns(maxOpen)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s database %q: %w", driver, cfg.Name, err)
	}
	return &DB{db: db}, nil
}

// Query implements Database.
func (d *DB) Query(ctx context.Context, stmt wireformat.SQLStatementWire) (wireformat.SQLRowSetWire, error) {
	rows, err := d.db.QueryContext(ctx, stmt.Query, stmt.Params...)
	if err != nil {
		return wireformat.SQLRowSetWire{}, capabilities.Wrap(capabilities.KindIO, err, "query")
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return wireformat.SQLRowSetWire{}, capabilities.Wrap(capabilities.KindIO, err, "query")
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return wireformat.SQLRowSetWire{}, capabilities.Wrap(capabilities.KindIO, err, "query")
	}
	binary := make([]bool, len(types))
	for i, ct := range types {
		binary[i] = isBinaryType(ct.DatabaseTypeName())
	}

	set := wireformat.SQLRowSetWire{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return wireformat.SQLRowSetWire{}, capabilities.Wrap(capabilities.KindIO, err, "scan row")
		}
		for i, v := range values {
			// Some drivers hand text columns back as []byte. Binary data stays
			// []byte and is encoded as base64 on the wire.
			if b, ok := v.([]byte); ok && !binary[i] && utf8.Valid(b) {
				values[i] = string(b)
			}
		}
		set.Rows = append(set.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return wireformat.SQLRowSetWire{}, capabilities.Wrap(capabilities.KindIO, err, "query")
	}
	return set, nil
}

func isBinaryType(name string) bool {
	switch strings.ToUpper(name) {
	case "BLOB", "BYTEA", "BINARY", "VARBINARY":
		return true
	}
	return false
}

// Exec implements Database.
func (d *DB) Exec(ctx context.Context, stmt wireformat.SQLStatementWire) (uint64, error) {
	res, err := d.db.ExecContext(ctx, stmt.Query, stmt.Params...)
	if err != nil {
		return 0, capabilities.Wrap(capabilities.KindIO, err, "exec")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, capabilities.Wrap(capabilities.KindUnsupported, err, "rows affected")
	}
	return uint64(n), nil //nolint:gosec // G115: affected row counts are non-negative
}

// Close closes the pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// DecodeStatement parses a JSON statement. Integral numbers become int64 so
// drivers bind them as integers.
func DecodeStatement(data []byte) (wireformat.SQLStatementWire, error) {
	var stmt wireformat.SQLStatementWire
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&stmt); err != nil {
		return stmt, capabilities.Wrap(capabilities.KindUnexpected, err, "decode statement")
	}
	if stmt.Query == "" {
		return stmt, capabilities.NewError(capabilities.KindUnexpected, "empty query")
	}
	for i, p := range stmt.Params {
		n, ok := p.(json.Number)
		if !ok {
			continue
		}
		if v, err := n.Int64(); err == nil {
			stmt.Params[i] = v
		} else if v, err := n.Float64(); err == nil {
			stmt.Params[i] = v
		}
	}
	return stmt, nil
}
