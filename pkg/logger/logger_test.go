package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesAuditEntries(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "payments.log")
	mainPath := filepath.Join(dir, "app.log")

	require.NoError(t, Init(Config{
		Level:       "debug",
		Format:      "json",
		OutputPaths: []string{mainPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}))
	t.Cleanup(func() { _ = Sync() })

	Audit().Info("payment_settled", "payment_hash", "0xabc")
	Named("saga").Debug("stage", "name", "verified")
	require.NoError(t, Sync())

	raw, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry))
	assert.Equal(t, "payment_settled", entry["msg"])
	assert.Equal(t, "0xabc", entry["payment_hash"])

	mainRaw, err := os.ReadFile(mainPath)
	require.NoError(t, err)
	assert.Contains(t, string(mainRaw), `"component":"saga"`)
}

func TestInitRejectsEmptyAuditPath(t *testing.T) {
	err := Init(Config{Audit: AuditConfig{Enabled: true}})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("warning").String())
	assert.Equal(t, "ERROR", parseLevel("ERROR").String())
	assert.Equal(t, "INFO", parseLevel("").String())
}
