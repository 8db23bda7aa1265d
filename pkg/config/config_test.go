package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sftpflow/pkg/conflict"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, "[redis]\naddr = \"localhost:6379\"\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Daemon.LogLevel)
	assert.Equal(t, "@every 30s", cfg.Listing.Schedule)
	assert.Equal(t, "@every 5s", cfg.Transfer.Schedule)
	assert.Equal(t, conflict.PolicyNone, cfg.Transfer.Policy())
	assert.Equal(t, 500, cfg.Transfer.BatchSize)
	assert.False(t, cfg.Transfer.RejectZeroByte)
	assert.False(t, cfg.Transfer.CreateDirectories)
	assert.True(t, cfg.Transfer.DotRename)
	assert.Equal(t, "22", cfg.Transfer.Connection.Port)
	assert.Equal(t, "5000", cfg.Transfer.Connection.ConnectionTimeout)
	assert.False(t, cfg.Transfer.Connection.StrictHostKeyChecking)
	assert.Equal(t, "redis", cfg.Watermark.Type)
	assert.Equal(t, 30*time.Second, cfg.Coordination.Penalty())
	assert.Equal(t, time.Second, cfg.Coordination.Yield())
	assert.Equal(t, int64(10000), cfg.Coordination.BackpressureThreshold)
	assert.Equal(t, "/monitoring", cfg.Asynqmon.RootPath)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, `
[daemon]
log_level = "debug"

[listing]
enabled = true
filter = '.*\.csv'

[listing.connection]
host = "${sftp.remote.host}"
username = "nutzer"
password = "passwort"
remote_path = "/in"

[transfer]
enabled = true
conflict_resolution = "rename"
batch_size = 50

[transfer.connection]
host = "sftp.example.org"
port = "2222"
username = "${user}"
private_key = "/etc/sftpflow/id_ed25519"
strict_host_key_checking = true
known_hosts_file = "/etc/sftpflow/known_hosts"

[watermark]
type = "sql"

[watermark.sql]
driver = "sqlite3"
dsn = "/var/lib/sftpflow/watermark.db"
`))
	require.NoError(t, err)

	assert.Equal(t, conflict.PolicyRename, cfg.Transfer.Policy())
	assert.Equal(t, 50, cfg.Transfer.BatchSize)

	tpl := cfg.Transfer.Connection.Template()
	assert.Equal(t, "2222", tpl.Port)
	assert.Equal(t, "${user}", tpl.Username)
	assert.True(t, tpl.StrictHostKeyChecking)
	assert.Equal(t, "/etc/sftpflow/known_hosts", tpl.KnownHostsFile)

	assert.Equal(t, `.*\.csv`, cfg.Listing.Filter)
	assert.Equal(t, "/in", cfg.Listing.Connection.Template().RemotePath)
	require.NotNil(t, cfg.Watermark.SQL)
	assert.Equal(t, "sqlite3", cfg.Watermark.SQL.Driver)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "unknown conflict resolution",
			body: "[transfer]\nconflict_resolution = \"overwrite\"\n",
		},
		{
			name: "listing without remote path",
			body: "[listing]\nenabled = true\n[listing.connection]\nhost = \"h\"\nusername = \"u\"\n",
		},
		{
			name: "strict host key checking without known hosts",
			body: "[transfer]\nenabled = true\n[transfer.connection]\nhost = \"h\"\nusername = \"u\"\nstrict_host_key_checking = true\n",
		},
		{
			name: "sql watermark without sql section",
			body: "[watermark]\ntype = \"sql\"\n",
		},
		{
			name: "bad log level",
			body: "[daemon]\nlog_level = \"verbose\"\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
