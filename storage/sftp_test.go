package storage

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"healthwatch/diagnosis"
)

// memSink wires an SFTPSink to an in-memory sftp server over a pipe.
func memSink(t *testing.T, onlyFindings bool) (*SFTPSink, *sftp.Client, *int) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	server := sftp.NewRequestServer(serverConn, sftp.InMemHandler())
	go func() { _ = server.Serve() }()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	dials := 0
	s := &SFTPSink{
		opts: SFTPOptions{RemoteDir: "/reports", OnlyFindings: onlyFindings},
		log:  zap.NewNop(),
		connect: func(context.Context) (*sftp.Client, func() error, error) {
			dials++
			return client, func() error { return nil }, nil
		},
	}
	return s, client, &dials
}

func TestSFTPSinkUploadsReport(t *testing.T) {
	s, client, _ := memSink(t, false)
	r := newReport("cycle-1", time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))

	require.NoError(t, s.Save(context.Background(), r))

	f, err := client.Open("/reports/cycle-1.json")
	require.NoError(t, err)
	defer f.Close()
	body, err := io.ReadAll(f)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "cycle-1", got["cycle_id"])
	assert.Equal(t, []any{}, got["findings"])

	_, err = client.Stat("/reports/cycle-1.json.part")
	assert.Error(t, err, "temporary file is renamed away")
}

func TestSFTPSinkOnlyFindings(t *testing.T) {
	s, client, dials := memSink(t, true)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, newReport("clean", time.Now())))
	assert.Zero(t, *dials, "clean reports never open a connection")

	finding := diagnosis.Finding{Severity: diagnosis.SeverityWarning, Code: "disk_bound"}
	require.NoError(t, s.Save(ctx, newReport("dirty", time.Now(), finding)))
	assert.Equal(t, 1, *dials)

	_, err := client.Stat("/reports/dirty.json")
	assert.NoError(t, err)
	_, err = client.Stat("/reports/clean.json")
	assert.Error(t, err)
}

func TestSFTPClientConfig(t *testing.T) {
	log := zap.NewNop()

	_, err := clientConfig(SFTPOptions{User: "u"}, log)
	assert.ErrorContains(t, err, "password or a key")

	_, err = clientConfig(SFTPOptions{User: "u", KeyPath: filepath.Join(t.TempDir(), "missing")}, log)
	assert.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "id_rsa")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0o600))
	_, err = clientConfig(SFTPOptions{User: "u", KeyPath: garbage}, log)
	assert.ErrorContains(t, err, "parse ssh key")

	conf, err := clientConfig(SFTPOptions{User: "u", Password: "p", Timeout: time.Second}, log)
	require.NoError(t, err)
	assert.Equal(t, "u", conf.User)
	assert.Len(t, conf.Auth, 1)
	assert.Equal(t, time.Second, conf.Timeout)
}

func TestSFTPSinkDialFailure(t *testing.T) {
	s, err := NewSFTPSink(SFTPOptions{Addr: "127.0.0.1:1", User: "u", Password: "p", RemoteDir: "x", Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, s.Save(ctx, newReport("r", time.Now())))
}
