package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"awdshells/internal/logger"
	"awdshells/internal/server"
)

func newTestDriver(t *testing.T, in string) (*Driver, *bytes.Buffer) {
	t.Helper()

	log, err := logger.New(filepath.Join(t.TempDir(), "test.log"), logger.None)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	srv := server.New(server.Config{Address: "127.0.0.1", MaxSessions: 10}, log)

	out := &bytes.Buffer{}
	d := New(srv, log, bytes.NewBufferString(in), out)
	return d, out
}

func TestTranslateShortcut(t *testing.T) {
	assert.Equal(t, "session", translateShortcut("s"))
	assert.Equal(t, "session", translateShortcut("sess"))
	assert.Equal(t, "batch", translateShortcut("b"))
	assert.Equal(t, "clear", translateShortcut("clr"))
	assert.Equal(t, "log", translateShortcut("l"))
	assert.Equal(t, "exit", translateShortcut("exit"))
}

func TestParseSessionID(t *testing.T) {
	id, err := parseSessionID("42")
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)

	_, err = parseSessionID("not-a-number")
	assert.Error(t, err)
}

func TestHandleBatch_createAndList(t *testing.T) {
	d, out := newTestDriver(t, "")
	ctx := context.Background()

	d.handleBatch(ctx, []string{"create"})
	out.Reset()
	d.handleBatch(ctx, []string{"list"})
	assert.Equal(t, "0\n", out.String())
}

// levelRecorder wraps a Logger and records every level passed to SetLevel.
type levelRecorder struct {
	logger.Logger
	levels []logger.Level
}

func (r *levelRecorder) SetLevel(level logger.Level) {
	r.levels = append(r.levels, level)
	r.Logger.SetLevel(level)
}

func TestHandleLog_rejectsUnknownLevel(t *testing.T) {
	d, _ := newTestDriver(t, "")
	rec := &levelRecorder{Logger: d.log}
	d.log = rec

	d.handleLog([]string{"bogus"})
	d.handleLog([]string{"warning"})
	assert.Equal(t, []logger.Level{logger.Warning}, rec.levels)
}

func TestHandleExit_noSessions(t *testing.T) {
	d, _ := newTestDriver(t, "")
	assert.True(t, d.handleExit())
}

func TestReadLogicalLine_joinsBackslashContinuation(t *testing.T) {
	d, _ := newTestDriver(t, "session -a echo \\\nhello\n")
	line, ok := d.readLogicalLine()
	require.True(t, ok)
	assert.Equal(t, "session -a echo  hello", line)
}
