package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewTextLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "warn"}, &buf)
	require.NoError(t, err)
	defer log.Close()

	log.Info("hidden")
	log.WithField("order_id", "o-1").Warn("visible")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "order_id=o-1")
	require.Equal(t, logrus.WarnLevel, log.GetLevel())
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Format: "json"}, &buf)
	require.NoError(t, err)

	log.WithField("facet", "status").Info("raised")
	require.Contains(t, buf.String(), `"facet":"status"`)
	require.Equal(t, logrus.InfoLevel, log.GetLevel())
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(Config{Format: "xml"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "orderdesk.log")
	log, err := New(Config{File: path, MaxSizeMB: 1}, &bytes.Buffer{})
	require.NoError(t, err)
	log.Info("to file")
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "to file")
}

func TestOrDiscard(t *testing.T) {
	require.NotNil(t, OrDiscard(nil))
	custom := logrus.New()
	require.Same(t, custom, OrDiscard(custom))
}
