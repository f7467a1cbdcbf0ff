package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/sessionsync/internal/config"
	"github.com/cory-johannsen/sessionsync/internal/directory"
	"github.com/cory-johannsen/sessionsync/internal/testutil"
	"github.com/cory-johannsen/sessionsync/internal/transport"
	"github.com/cory-johannsen/sessionsync/internal/wire"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("SYNC_LOGGING_LEVEL", "error")
	t.Setenv("SYNC_SESSION_TICK_INTERVAL", "5ms")

	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func startDirectory(t *testing.T) string {
	t.Helper()
	logger := zap.NewNop()
	cfg := config.Default()
	d := directory.New(context.Background(), cfg.Session, logger, nil, nil)
	acc := transport.NewAcceptor(config.DispatcherConfig{Handshake: true, WriteTimeout: time.Second}, d, logger)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = acc.Serve(ln) }()
	t.Cleanup(func() {
		acc.Stop()
		d.Close()
	})
	return ln.Addr().String()
}

func openSession(t *testing.T, addr, game, session string) {
	t.Helper()
	pc := testutil.NewProtocolClient(t, addr)
	resp, id := pc.Join(game, session, 2)
	require.Equal(t, wire.ResponseSuccess, resp)
	require.Equal(t, 0, id)
}

func TestVersionPrintsVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", stdout)
}

func TestListEmptyDirectory(t *testing.T) {
	addr := startDirectory(t)

	stdout, _, err := executeCLI(t, "list", "--server", addr)
	require.NoError(t, err)
	assert.Contains(t, stdout, "no open sessions")
}

func TestListJSONFiltersByGame(t *testing.T) {
	addr := startDirectory(t)
	openSession(t, addr, "pong", "lobby")
	openSession(t, addr, "chess", "club")

	stdout, _, err := executeCLI(t, "list", "--server", addr, "--game", "pong", "-o", "json")
	require.NoError(t, err)

	var got []listing
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, []listing{{Game: "pong", Session: "lobby"}}, got)
}

func TestListYAMLAndText(t *testing.T) {
	addr := startDirectory(t)
	openSession(t, addr, "pong", "lobby")

	stdout, _, err := executeCLI(t, "list", "--server", addr, "-o", "yaml")
	require.NoError(t, err)
	var got []listing
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, []listing{{Game: "pong", Session: "lobby"}}, got)

	stdout, _, err = executeCLI(t, "list", "--server", addr)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Game: pong Session: lobby")
}

func TestListUnknownFormat(t *testing.T) {
	addr := startDirectory(t)

	_, _, err := executeCLI(t, "list", "--server", addr, "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestListUnreachableServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, _, err = executeCLI(t, "list", "--server", addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server unreachable")
}

func TestJoinRequiresNames(t *testing.T) {
	_, _, err := executeCLI(t, "join", "--game", "pong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "session" not set`)
}

func TestJoinSinglePlayerRunsLocally(t *testing.T) {
	stdout, _, err := executeCLI(t, "join", "--game", "pong", "--session", "solo", "--players", "1", "--duration", "150ms")
	require.NoError(t, err)
	assert.Contains(t, stdout, "slot 0 of 1")
}
