package adminipc_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/familyguardian/guardian-daemon/internal/adminipc"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, adminGID int) (*adminipc.Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guardian.sock")
	s := adminipc.New(path, adminGID, zerolog.Nop())
	s.Handle("status", func(ctx context.Context, arg string) (any, error) {
		return map[string]any{"version": "test", "active_users": 0}, nil
	})
	s.Handle("grant-bonus", func(ctx context.Context, arg string) (any, error) {
		return nil, &adminipc.InvalidArgumentError{Detail: "minutes must be in [1, 240]"}
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s, path
}

func sendCommand(t *testing.T, path, command, arg string) map[string]any {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	body, err := json.Marshal(map[string]string{"command": command, "arg": arg})
	require.NoError(t, err)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	_, err = conn.Write(lenBuf[:])
	require.NoError(t, err)
	_, err = conn.Write(body)
	require.NoError(t, err)

	var respLenBuf [4]byte
	_, err = conn.Read(respLenBuf[:])
	require.NoError(t, err)
	respLen := binary.BigEndian.Uint32(respLenBuf[:])
	resp := make([]byte, respLen)
	n := 0
	for n < len(resp) {
		read, err := conn.Read(resp[n:])
		require.NoError(t, err)
		n += read
	}

	var out map[string]any
	require.NoError(t, json.Unmarshal(resp, &out))
	return out
}

func TestStatusCommandReturnsResult(t *testing.T) {
	_, path := startServer(t, os.Getgid())
	resp := sendCommand(t, path, "status", "")
	result, ok := resp["result"].(map[string]any)
	require.True(t, ok, "expected a result object, got %v", resp)
	require.Equal(t, "test", result["version"])
}

func TestUnknownCommandReturnsErrorResponse(t *testing.T) {
	_, path := startServer(t, os.Getgid())
	resp := sendCommand(t, path, "nonexistent", "")
	require.Equal(t, "unknown_command", resp["error"])
}

func TestInvalidArgumentReturnsDetail(t *testing.T) {
	_, path := startServer(t, os.Getgid())
	resp := sendCommand(t, path, "grant-bonus", "kid1 9999")
	require.Equal(t, "invalid_argument", resp["error"])
	require.Equal(t, "minutes must be in [1, 240]", resp["detail"])
}

func TestSocketModeIsGroupReadWrite(t *testing.T) {
	_, path := startServer(t, os.Getgid())
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0660), info.Mode().Perm())
}

func TestOversizedFrameIsDrainedThenConnectionClosed(t *testing.T) {
	_, path := startServer(t, os.Getgid())
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(adminipc.MaxFrameBytes+1))
	_, err = conn.Write(lenBuf[:])
	require.NoError(t, err)

	// The server should drain the oversized body and close this
	// connection server-side after reporting the error internally;
	// from the client's perspective the read now returns EOF rather
	// than hanging indefinitely.
	_, err = conn.Write(make([]byte, adminipc.MaxFrameBytes+1))
	if err == nil {
		buf := make([]byte, 1)
		_, readErr := conn.Read(buf)
		require.Error(t, readErr, fmt.Sprintf("expected connection to be closed after oversized frame, got err=%v", readErr))
	}
}
