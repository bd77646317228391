package batch

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"awdshells/internal/logger"
	"awdshells/internal/server"
	"awdshells/internal/session"
)

func newTestServer(t *testing.T) *server.Server {
	t.Helper()
	log, err := logger.New(filepath.Join(t.TempDir(), "test.log"), logger.None)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	s := server.New(server.Config{Address: "127.0.0.1", MaxSessions: 10}, log)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func dialAndAnswerHandshake(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	token := strings.TrimSuffix(strings.TrimPrefix(line, "echo "), "\n")

	_, err = conn.Write([]byte(token + "\n"))
	require.NoError(t, err)
	return conn
}

func waitForCount(t *testing.T, s *server.Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server never reached count %d, have %d", want, s.Count())
}

func firstSessionID(t *testing.T, s *server.Server) session.ID {
	t.Helper()
	var id session.ID
	found := false
	_ = s.ForEach(context.Background(), false, func(_ context.Context, sess *session.Session) error {
		if !found {
			id = sess.ID()
			found = true
		}
		return nil
	})
	require.True(t, found, "server has no registered session")
	return id
}

func TestAdd_idempotent(t *testing.T) {
	s := newTestServer(t)
	b := New(1, s)

	b.Add(5)
	b.Add(5)
	assert.Equal(t, 1, b.members.Size())
}

func TestList_weakReferenceSkipsRemoved(t *testing.T) {
	s := newTestServer(t)
	conn := dialAndAnswerHandshake(t, s.Addr())
	defer conn.Close()
	waitForCount(t, s, 1)

	id := firstSessionID(t, s)
	b := New(1, s)
	b.Add(id)

	assert.Len(t, b.List(), 1)

	s.Remove(id)
	assert.Empty(t, b.List(), "batch must silently drop a member the server no longer has")

	// Removal from the server does not mutate batch membership itself.
	assert.True(t, b.members.Contains(id))
}

func TestHexEscape(t *testing.T) {
	data := []byte{0x00, 0xff, 0x41}
	assert.Equal(t, `\x00\xff\x41`, hexEscape(data))
}

func TestUploadSliceSize_multipleOf4(t *testing.T) {
	assert.Equal(t, 0, uploadSliceSize%4)
}

func TestUploadSlicing_matchesScenario(t *testing.T) {
	// A 1024-byte file encodes to 4096 characters; at 512 characters per
	// append, that's 8 slices, none of which split a \xHH escape.
	data := make([]byte, 1024)
	encoded := hexEscape(data)
	require.Equal(t, 4096, len(encoded))

	slices := 0
	for i := 0; i < len(encoded); i += uploadSliceSize {
		end := i + uploadSliceSize
		if end > len(encoded) {
			end = len(encoded)
		}
		assert.Equal(t, 0, len(encoded[i:end])%4)
		slices++
	}
	assert.Equal(t, 8, slices)
}
