package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, min Level) (*fileLogger, string) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	l, err := New(path, min)
	require.NoError(t, err)
	fl := l.(*fileLogger)
	t.Cleanup(func() { _ = fl.Close() })
	return fl, path
}

func TestNew_createsFile(t *testing.T) {
	_, path := newTestLogger(t, Message)
	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestLog_alwaysWritesToFile(t *testing.T) {
	l, path := newTestLogger(t, None)

	l.Error("boom: %d", 42)
	require.NoError(t, l.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(contents)

	assert.Contains(t, line, "[ERROR] boom: 42")
	assert.Contains(t, line, ansiError, "file sink must carry ANSI color per spec.md §6")
	assert.Contains(t, line, ansiReset)
	assert.NotContains(t, line, `"message"`, "file sink must be a plain line, not JSON")
	assert.NotContains(t, line, "{\"", "file sink must be a plain line, not JSON")
}

func TestFormatLine(t *testing.T) {
	raw := formatLine(Raw, "echoed output", true)
	assert.Equal(t, "echoed output", raw, "Raw passes the message through verbatim, uncolored and unprefixed")

	plain := formatLine(Warning, "disk low", false)
	assert.Contains(t, plain, "[WARNING] disk low")
	assert.NotContains(t, plain, ansiWarning)

	colored := formatLine(Warning, "disk low", true)
	assert.True(t, strings.HasPrefix(colored, ansiWarning), "colored line must open with the severity's ANSI escape")
	assert.True(t, strings.HasSuffix(colored, ansiReset), "colored line must close with the ANSI reset")
	assert.Contains(t, colored, "[WARNING] disk low")
}

func TestLog_noneNeverDisplays(t *testing.T) {
	l, _ := newTestLogger(t, None)
	assert.Equal(t, None, l.displayMin)

	var term bytes.Buffer
	l.term = &term
	l.Error("hidden")
	assert.Empty(t, term.String())
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"raw":     Raw,
		"success": Success,
		"message": Message,
		"warning": Warning,
		"error":   Error,
		"none":    None,
	}
	for s, want := range cases {
		got, err := ParseLevel(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseLevel("bogus")
	assert.Error(t, err)
}

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "", Raw.String())
	assert.Equal(t, "[SUCCESS]", Success.String())
	assert.Equal(t, "[ERROR]", Error.String())
}

func TestSetLevel_changesDisplayThreshold(t *testing.T) {
	l, _ := newTestLogger(t, Error)
	assert.Equal(t, Error, l.displayMin)
	l.SetLevel(Warning)
	assert.Equal(t, Warning, l.displayMin)
}

func TestFilePath(t *testing.T) {
	l, path := newTestLogger(t, Message)
	assert.Equal(t, path, l.FilePath())
}
