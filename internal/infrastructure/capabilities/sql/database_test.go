package sql

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/wireformat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLite(t *testing.T) Database {
	t.Helper()
	manifest := filepath.Join(t.TempDir(), "caphost.yaml")
	db, err := NewSQLite(context.Background(), &capabilities.InstanceConfig{
		Type: capabilities.TypeSQL, Backend: BackendSQLite, Name: "app",
		ManifestPath: manifest,
		Config:       map[string]string{"path": "app.db"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.(*DB).Close() })
	return db
}

func TestSQLite_ExecAndQuery(t *testing.T) {
	ctx := context.Background()
	db := newSQLite(t)

	_, err := db.Exec(ctx, wireformat.SQLStatementWire{
		Query: "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, admin BOOLEAN)",
	})
	require.NoError(t, err)

	n, err := db.Exec(ctx, wireformat.SQLStatementWire{
		Query:  "INSERT INTO users (id, name, admin) VALUES (?, ?, ?), (?, ?, ?)",
		Params: []any{int64(1), "ada", true, int64(2), "linus", false},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	rows, err := db.Query(ctx, wireformat.SQLStatementWire{
		Query:  "SELECT id, name FROM users WHERE id > ? ORDER BY id",
		Params: []any{int64(0)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, rows.Columns)
	require.Len(t, rows.Rows, 2)
	assert.Equal(t, []any{int64(1), "ada"}, rows.Rows[0])
	assert.Equal(t, []any{int64(2), "linus"}, rows.Rows[1])
}

func TestSQLite_BlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newSQLite(t)

	_, err := db.Exec(ctx, wireformat.SQLStatementWire{Query: "CREATE TABLE files (name TEXT, data BLOB)"})
	require.NoError(t, err)
	_, err = db.Exec(ctx, wireformat.SQLStatementWire{
		Query: "INSERT INTO files (name, data) VALUES ('raw', x'ff00fe'), ('ascii', x'6869')",
	})
	require.NoError(t, err)

	rows, err := db.Query(ctx, wireformat.SQLStatementWire{Query: "SELECT name, data FROM files ORDER BY name DESC"})
	require.NoError(t, err)
	require.Len(t, rows.Rows, 2)
	assert.Equal(t, []any{"raw", []byte{0xff, 0x00, 0xfe}}, rows.Rows[0])
	assert.Equal(t, []any{"ascii", []byte("hi")}, rows.Rows[1], "blob columns stay bytes even when they are valid text")

	out, err := json.Marshal(rows)
	require.NoError(t, err)
	var wire struct {
		Rows [][]any `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(out, &wire))
	decoded, err := base64.StdEncoding.DecodeString(wire.Rows[0][1].(string))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0x00, 0xfe}, decoded)

	rows, err = db.Query(ctx, wireformat.SQLStatementWire{Query: "SELECT x'ff00fe', x'6869'"})
	require.NoError(t, err)
	assert.Equal(t, []any{[]byte{0xff, 0x00, 0xfe}, "hi"}, rows.Rows[0], "untyped expressions fall back to utf8 validity")
}

func TestSQLite_EmptyResult(t *testing.T) {
	db := newSQLite(t)
	rows, err := db.Query(context.Background(), wireformat.SQLStatementWire{Query: "SELECT 1 WHERE 1 = 0"})
	require.NoError(t, err)
	assert.NotNil(t, rows.Rows)
	assert.Empty(t, rows.Rows)
}

func TestSQLite_BadStatement(t *testing.T) {
	db := newSQLite(t)
	_, err := db.Exec(context.Background(), wireformat.SQLStatementWire{Query: "NOT SQL"})
	require.Error(t, err)
	assert.Equal(t, capabilities.KindIO, capabilities.ErrorFrom(err).Kind)
}

func TestDecodeStatement(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []any
		wantErr bool
	}{
		{name: "integers", input: `{"query":"q","params":[1,-2]}`, want: []any{int64(1), int64(-2)}},
		{name: "mixed", input: `{"query":"q","params":[1.5,"a",true,null]}`, want: []any{1.5, "a", true, nil}},
		{name: "no params", input: `{"query":"q"}`},
		{name: "empty query", input: `{"query":""}`, wantErr: true},
		{name: "malformed", input: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt, err := DecodeStatement([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, capabilities.KindUnexpected, capabilities.ErrorFrom(err).Kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, stmt.Params)
		})
	}
}

func TestNewPostgres_RequiresDSN(t *testing.T) {
	_, err := NewPostgres(context.Background(), &capabilities.InstanceConfig{Type: capabilities.TypeSQL, Name: "pg"})
	assert.ErrorContains(t, err, "dsn")
}
