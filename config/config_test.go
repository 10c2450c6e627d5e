package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lmtpd.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_FillsDefaults(t *testing.T) {
	path := writeTempConfig(t, `{"MyDomain":"example.com","SpoolDir":"/tmp/lmtpd"}`)
	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, defaultPort, s.Port)
	assert.Equal(t, defaultPerIPLimit, s.PerIPLimit)
	assert.Equal(t, byte('+'), s.Delimiter())
}

func TestLoad_RejectsMissingDomain(t *testing.T) {
	path := writeTempConfig(t, `{"SpoolDir":"/tmp/lmtpd"}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsMismatchedTLSPaths(t *testing.T) {
	path := writeTempConfig(t, `{"MyDomain":"example.com","SpoolDir":"/tmp/lmtpd","TLSCertPath":"a.pem"}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSettings_Delimiter_Disabled(t *testing.T) {
	s := &Settings{RecipientDelimiter: ""}
	assert.Equal(t, byte(0), s.Delimiter())
}
