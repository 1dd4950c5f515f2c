package services

import (
	"fmt"
	"testing"

	apperrors "github.com/reglet-dev/caphost/internal/application/errors"
	"github.com/reglet-dev/caphost/internal/application/ports"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSecrets map[string]string

func (m mapSecrets) Resolve(store, name string) (string, error) {
	if store != "" {
		return "", fmt.Errorf("%w: %s", ports.ErrUnknownSecretStore, store)
	}
	if v, ok := m[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ports.ErrSecretNotFound, name)
}

func TestNewCapabilityStore(t *testing.T) {
	store, err := NewCapabilityStore([]capabilities.Declaration{
		{Resource: "keyvalue.filesystem", Name: "cache", Config: map[string]string{"path": "./data"}},
		{Resource: "keyvalue.memory", Name: "sessions"},
		{Resource: "sql.postgres", Name: "orders", Config: map[string]string{
			"dsn": `postgres://app:{{ secret "db_password" }}@db/orders`,
		}},
		{Resource: "http-server", Name: "*"},
	}, "/srv/app/caphost.yaml", mapSecrets{"db_password": "hunter2"})
	require.NoError(t, err)

	assert.Equal(t, []string{"cache", "sessions"}, store.Declared(capabilities.TypeKeyValue))
	assert.Equal(t, "/srv/app/caphost.yaml", store.ManifestPath())

	cfg, ok := store.Lookup(capabilities.TypeKeyValue, "cache")
	require.True(t, ok)
	assert.Equal(t, "filesystem", cfg.Backend)
	assert.Equal(t, "/srv/app/data", cfg.ResolvePath(cfg.Get("path", "")))

	_, ok = store.Lookup(capabilities.TypeKeyValue, "other")
	assert.False(t, ok)

	db, ok := store.Lookup(capabilities.TypeSQL, "orders")
	require.True(t, ok)
	assert.Equal(t, "postgres://app:hunter2@db/orders", db.Config["dsn"])

	srv, ok := store.Lookup(capabilities.TypeHTTPServer, "api")
	require.True(t, ok, "wildcard serves any name")
	assert.Equal(t, "api", srv.Name)
	assert.Empty(t, srv.Backend)
}

func TestNewCapabilityStore_Errors(t *testing.T) {
	tests := []struct {
		name    string
		decls   []capabilities.Declaration
		secrets ports.SecretResolver
	}{
		{
			name:  "unknown type",
			decls: []capabilities.Declaration{{Resource: "queue.sqs", Name: "q"}},
		},
		{
			name:  "missing name",
			decls: []capabilities.Declaration{{Resource: "keyvalue.memory"}},
		},
		{
			name: "duplicate name",
			decls: []capabilities.Declaration{
				{Resource: "keyvalue.memory", Name: "cache"},
				{Resource: "keyvalue.filesystem", Name: "cache"},
			},
		},
		{
			name: "wildcard with siblings",
			decls: []capabilities.Declaration{
				{Resource: "lock.memory", Name: "*"},
				{Resource: "lock.memory", Name: "jobs"},
			},
		},
		{
			name: "secret without resolver",
			decls: []capabilities.Declaration{
				{Resource: "sql.postgres", Name: "db", Config: map[string]string{"dsn": `{{ secret "dsn" }}`}},
			},
		},
		{
			name: "unknown secret",
			decls: []capabilities.Declaration{
				{Resource: "sql.postgres", Name: "db", Config: map[string]string{"dsn": `{{ secret "dsn" }}`}},
			},
			secrets: mapSecrets{},
		},
		{
			name: "unknown secret store",
			decls: []capabilities.Declaration{
				{Resource: "sql.postgres", Name: "db", SecretStore: "vault", Config: map[string]string{"dsn": `{{ secret "dsn" }}`}},
			},
			secrets: mapSecrets{"dsn": "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCapabilityStore(tt.decls, "", tt.secrets)
			require.Error(t, err)
			assert.True(t, apperrors.IsConfigurationError(err), "got %v", err)
		})
	}
}

func TestNewCapabilityStore_SameNameAcrossTypes(t *testing.T) {
	store, err := NewCapabilityStore([]capabilities.Declaration{
		{Resource: "keyvalue.memory", Name: "main"},
		{Resource: "lock.memory", Name: "main"},
	}, "", nil)
	require.NoError(t, err)

	assert.Len(t, store.Configs(capabilities.TypeKeyValue), 1)
	assert.Len(t, store.Configs(capabilities.TypeLock), 1)
	assert.Empty(t, store.Configs(capabilities.TypeSQL))
}
