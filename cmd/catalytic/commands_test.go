package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzdev42/catalytic-sub000/internal/netio"
	"github.com/lzdev42/catalytic-sub000/pkg/client"
)

// instrument answers "MEAS?" with a reading.
func instrument(t *testing.T) string {
	t.Helper()
	var srv *netio.Server
	srv = netio.NewServer("127.0.0.1:0", netio.Handler{
		OnData: func(id uuid.UUID, chunk []byte) {
			if strings.TrimSpace(string(chunk)) == "MEAS?" {
				_ = srv.Send(context.Background(), id, []byte("1.25\n"))
			}
		},
	})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Close() })
	return srv.Addr().String()
}

// startService runs serve in the background and returns the API base URL.
func startService(t *testing.T, deviceAddr string) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalytic.toml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
[server]
listen = "127.0.0.1:0"

[log]
level = "warn"

[metrics]
enabled = false

[[device_types]]
id = "dmm"
driver_id = "tcp"

[[device_types.devices]]
id = "dmm1"
address = %q
`, deviceAddr)), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	addrs := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- runServe(ctx, &GlobalFlags{ConfigPath: path}, &ServeFlags{}, &bytes.Buffer{}, func(a net.Addr) { addrs <- a })
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("serve did not stop")
		}
	})

	select {
	case a := <-addrs:
		return "http://" + a.String() + "/api", path
	case err := <-done:
		t.Fatalf("serve exited: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not start")
	}
	return "", ""
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLIAgainstRunningService(t *testing.T) {
	devAddr := instrument(t)
	api, _ := startService(t, devAddr)

	out, err := execute(t, "--api-url", api, "devices", "list")
	require.NoError(t, err)
	var conns []client.Connection
	require.NoError(t, json.Unmarshal([]byte(out), &conns))
	require.Len(t, conns, 1)
	assert.Equal(t, "dmm1", conns[0].DeviceID)
	assert.Equal(t, "disconnected", conns[0].State)

	out, err = execute(t, "--api-url", api, "devices", "connect", "dmm1")
	require.NoError(t, err)
	assert.Contains(t, out, `"state": "connected"`)

	out, err = execute(t, "--api-url", api, "exec",
		"--address", devAddr, "--driver", "tcp", "--action", "query", "--data", `MEAS?\n`, "--timeout", "2s")
	require.NoError(t, err)
	var res execOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "result", res.Kind)
	assert.Equal(t, "1.25\n", res.Text)

	out, err = execute(t, "--api-url", api, "run", "echo", "--params", `{"probe":7}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"probe": 7`)

	_, err = execute(t, "--api-url", api, "run", "echo", "--params", `{bad`)
	require.Error(t, err)

	out, err = execute(t, "--api-url", api, "drivers")
	require.NoError(t, err)
	assert.Contains(t, out, `"catalytic.tcp"`)

	out, err = execute(t, "--api-url", api, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"pending": 0`)

	out, err = execute(t, "--api-url", api, "reservoir", "list")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))

	_, err = execute(t, "--api-url", api, "devices", "status", "nope")
	require.Error(t, err)
	assert.True(t, client.IsNotFound(err))

	out, err = execute(t, "--api-url", api, "devices", "disconnect", "dmm1")
	require.NoError(t, err)
	assert.Contains(t, out, `"state": "disconnected"`)
}

func TestExecRequiresFlags(t *testing.T) {
	_, err := execute(t, "--api-url", "http://127.0.0.1:1/api", "exec", "--address", "COM3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestResolveURL(t *testing.T) {
	c := &command{flags: &GlobalFlags{}}
	url, tlsOn, err := c.resolveURL()
	require.NoError(t, err)
	assert.Equal(t, client.DefaultBaseURL, url)
	assert.False(t, tlsOn)

	path := filepath.Join(t.TempDir(), "c.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
listen = "10.0.0.5:9000"
base_path = "/bridge"

[server.tls]
enabled = true
dir = "/tmp/certs"
`), 0o600))
	c.flags.ConfigPath = path
	url, tlsOn, err = c.resolveURL()
	require.NoError(t, err)
	assert.Equal(t, "https://10.0.0.5:9000/bridge", url)
	assert.True(t, tlsOn)

	c.flags.APIUrl = "https://bench:8470/api"
	url, tlsOn, err = c.resolveURL()
	require.NoError(t, err)
	assert.Equal(t, "https://bench:8470/api", url)
	assert.True(t, tlsOn)
}

func TestServeRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nbase_path = \"nope\"\n"), 0o600))
	err := runServe(context.Background(), &GlobalFlags{ConfigPath: path}, &ServeFlags{}, &bytes.Buffer{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_path")
}
