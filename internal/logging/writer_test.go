package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileWriterRoutesPerClient(t *testing.T) {
	dir := t.TempDir()
	w := NewFileWriter(FileWriterConfig{
		LogDir:          dir,
		FileTemplate:    "%m.log",
		MaxSizeMB:       5,
		KeepRotatedLogs: 1,
	}, zap.NewNop())
	defer w.Close()

	w.Write(Record{
		Node:        "node1",
		Level:       "info",
		TimestampMs: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli(),
		Message:     "host seen",
		Client:      "10.0.0.7",
		Fields:      map[string]interface{}{"method": "backend_info"},
	})
	w.Write(Record{
		Node:    "node1",
		Level:   "warning",
		Message: "no client tag",
	})

	data, err := os.ReadFile(filepath.Join(dir, "10.0.0.7.log"))
	require.NoError(t, err)
	line := string(data)
	assert.Contains(t, line, "[INFO]")
	assert.Contains(t, line, "host seen")
	assert.Contains(t, line, "method=backend_info")
	assert.True(t, strings.HasSuffix(line, "\n"))

	_, err = os.Stat(filepath.Join(dir, "opsiconfd.log"))
	require.NoError(t, err, "records without client tag go to the default file")
}

func TestFileWriterSymlink(t *testing.T) {
	dir := t.TempDir()
	w := NewFileWriter(FileWriterConfig{LogDir: dir, FileTemplate: "%m.log"}, zap.NewNop())
	defer w.Close()

	w.Write(Record{
		Message: "connected",
		Client:  "10.0.0.7",
		Fields:  map[string]interface{}{"client_fqdn": "client1.example.org"},
	})

	target, err := os.Readlink(filepath.Join(dir, "client1.example.org.log"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7.log", target)
}

func TestFileWriterClosesIdle(t *testing.T) {
	dir := t.TempDir()
	w := NewFileWriter(FileWriterConfig{LogDir: dir, FileTemplate: "%m.log"}, zap.NewNop())
	defer w.Close()

	w.Write(Record{Message: "x", Client: "10.0.0.7"})
	w.mu.Lock()
	open := len(w.files)
	w.mu.Unlock()
	require.Equal(t, 1, open)

	w.closeIdle(time.Now().Add(fileIdleClose + time.Minute))

	w.mu.Lock()
	open = len(w.files)
	w.mu.Unlock()
	assert.Equal(t, 0, open)

	// Writing again re-opens the file.
	w.Write(Record{Message: "y", Client: "10.0.0.7"})
	data, err := os.ReadFile(filepath.Join(dir, "10.0.0.7.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "y")
}

func TestPurgeOldLogs(t *testing.T) {
	dir := t.TempDir()
	oldFile := filepath.Join(dir, "stale.log")
	newFile := filepath.Join(dir, "fresh.log")
	require.NoError(t, os.WriteFile(oldFile, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(newFile, []byte("new"), 0o644))
	past := time.Now().Add(-31 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(oldFile, past, past))

	removed, err := PurgeOldLogs(dir, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(oldFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(newFile)
	assert.NoError(t, err)
}
