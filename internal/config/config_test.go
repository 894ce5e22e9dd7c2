package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataSources(t *testing.T) {
	sources, err := ParseDataSources("participants=firestore:participants, funding=mysql:funding_records:participant_id,")
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, DataSourceConfig{Kind: "firestore", Target: "participants"}, sources["participants"])
	assert.Equal(t, DataSourceConfig{Kind: "mysql", Target: "funding_records", KeyColumn: "participant_id"}, sources["funding"])

	empty, err := ParseDataSources("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, bad := range []string{"participants", "=firestore:x", "p=firestore", "p=redis:x"} {
		_, err := ParseDataSources(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Memory")
	t.Setenv("ALLOW_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("SIGNED_URL_EXPIRY", "5m")
	t.Setenv("GOTENBERG_MAX_RETRIES", "nope")
	t.Setenv("DATA_SOURCES", "participants=firestore:participants")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowOrigins)
	assert.Equal(t, 5*time.Minute, cfg.GCS.SignedURLExpiry)
	assert.Equal(t, 3, cfg.Gotenberg.MaxRetries)
	assert.Contains(t, cfg.DataSources, "participants")
}

func TestLoad_UnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	_, err := Load()
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	tcp := DatabaseConfig{Host: "db", Port: "3306", User: "u", Password: "p", DBName: "forms"}
	assert.Equal(t, "u:p@tcp(db:3306)/forms?charset=utf8mb4&parseTime=True&loc=Local", tcp.DSN())

	socket := DatabaseConfig{Host: "/cloudsql/x", User: "u", Password: "p", DBName: "forms"}
	assert.Equal(t, "u:p@unix(/cloudsql/x)/forms?charset=utf8mb4&parseTime=True&loc=Local", socket.DSN())
}
