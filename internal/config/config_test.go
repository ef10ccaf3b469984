package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voku/bouncehandler/pkg/base"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bouncehandler.yml")
	require.NoError(t, os.WriteFile(path, []byte("move_hard: true\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "INBOX", cfg.Folder)
	assert.Equal(t, base.DefaultMaxMessages, cfg.MaxMessages)
	assert.Equal(t, base.DefaultHardFolder, cfg.HardFolder)
	assert.Equal(t, base.DefaultSoftFolder, cfg.SoftFolder)
	assert.Equal(t, base.DefaultUnprocessedFolder, cfg.UnprocessedFolder)
	assert.True(t, cfg.MoveHard)
	assert.True(t, cfg.MoveUnprocessedEnabled())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.True(t, os.IsNotExist(err))
}

func TestMoveUnprocessedToggle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bouncehandler.yml")
	require.NoError(t, os.WriteFile(path, []byte("move_unprocessed: false\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.MoveUnprocessedEnabled())
}

func TestCutoffDate(t *testing.T) {
	var cfg Config

	_, ok, err := cfg.CutoffDate()
	require.NoError(t, err)
	assert.False(t, ok)

	cfg.DeleteBefore = "2026-01-15"
	cutoff, ok, err := cfg.CutoffDate()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), cutoff)

	cfg.DeleteBefore = "15.01.2026"
	_, _, err = cfg.CutoffDate()
	assert.Error(t, err)
}

func TestVerbosityLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    base.Verbosity
		wantErr bool
	}{
		{in: "", want: base.VerboseQuiet},
		{in: "quiet", want: base.VerboseQuiet},
		{in: "Simple", want: base.VerboseSimple},
		{in: "report", want: base.VerboseReport},
		{in: "debug", want: base.VerboseDebug},
		{in: "chatty", wantErr: true},
	}

	for _, tt := range tests {
		got, err := Config{Verbosity: tt.in}.VerbosityLevel()
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestValidate(t *testing.T) {
	var cfg Config
	ApplyDefaults(&cfg)
	assert.NoError(t, Validate(cfg))

	bad := cfg
	bad.Folder = " "
	assert.Error(t, Validate(bad))

	bad = cfg
	bad.MoveHard = true
	bad.HardFolder = ""
	assert.Error(t, Validate(bad))

	bad = cfg
	bad.DeleteBefore = "not-a-date"
	assert.Error(t, Validate(bad))
}

func TestIMAPEnvFromEnv(t *testing.T) {
	t.Setenv(envIMAPHost, "imap.example.org")
	t.Setenv(envIMAPPort, "993")
	t.Setenv(envIMAPUser, "bounce@example.org")
	t.Setenv(envIMAPPass, "hunter2")
	t.Setenv(envIMAPSecurity, "")

	env, err := IMAPEnvFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "imap.example.org:993", env.Addr())
	assert.Equal(t, "tls", env.Security)

	t.Setenv(envIMAPSecurity, "starttls")
	env, err = IMAPEnvFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "starttls", env.Security)

	t.Setenv(envIMAPSecurity, "carrier-pigeon")
	_, err = IMAPEnvFromEnv()
	assert.Error(t, err)
}

func TestIMAPEnvFromEnvMissingVars(t *testing.T) {
	t.Setenv(envIMAPHost, "")
	t.Setenv(envIMAPPort, "")
	t.Setenv(envIMAPUser, "user")
	t.Setenv(envIMAPPass, "pass")

	_, err := IMAPEnvFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), envIMAPHost)
	assert.Contains(t, err.Error(), envIMAPPort)
}
