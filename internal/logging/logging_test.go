package logging

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONWithInstance(t *testing.T) {
	var buf bytes.Buffer
	log, closeFn, err := New(Options{Level: "info", Stdout: &buf})
	require.NoError(t, err)
	defer closeFn()

	log.Debug().Msg("hidden")
	log.Info().Str("user", "u1").Msg("session closed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "session closed", line["message"])
	assert.Equal(t, "u1", line["user"])
	assert.NotEmpty(t, line["instance"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, _, err := New(Options{Level: "verbose"})
	assert.Error(t, err)
}

func TestNew_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicepoints.log")
	var buf bytes.Buffer
	log, closeFn, err := New(Options{Level: "debug", Pretty: true, File: path, Stdout: &buf})
	require.NoError(t, err)

	log.Warn().Msg("breaker open")
	require.NoError(t, closeFn())
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"breaker open"`)
	assert.Contains(t, buf.String(), "breaker open")
}

func TestCloseOnceWriter(t *testing.T) {
	w := &closeOnceWriter{w: nopCloser{io.Discard}}
	_, err := w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
