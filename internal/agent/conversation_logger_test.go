package agent

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	logger.Log(ConversationLogEvent{
		UserID:     "anon_1",
		SessionID:  "tab-1",
		Channel:    "chat_http",
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: "como  criar\tum cliente?",
	})

	line := waitForLogLine(t, filepath.Join(dir, "anon_1", "tab-1.ndjson"))
	var got ConversationLogEvent
	require.NoError(t, json.Unmarshal([]byte(line), &got))
	assert.Equal(t, "como  criar\tum cliente?", got.ContentRaw)
	assert.Equal(t, "como criar um cliente?", got.Content)
	assert.NotEmpty(t, got.Timestamp)
}

func TestConversationLoggerGlobalFileAndUnsafeIDs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	global := filepath.Join(dir, "all", "conversations.ndjson")
	logger, err := NewConversationLogger(ConversationLogConfig{
		Enabled:       true,
		Dir:           dir,
		GlobalEnabled: true,
		GlobalPath:    global,
		QueueSize:     16,
	}, nil)
	require.NoError(t, err)

	logger.Log(ConversationLogEvent{UserID: "../evil", SessionID: "a/b", EventType: "chat_assistant_message", ContentRaw: "oi"})
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(global)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event_type":"chat_assistant_message"`)

	_, err = os.Stat(filepath.Join(dir, ".._evil", "a_b.ndjson"))
	assert.NoError(t, err, "ids are flattened into a single path segment")
}

func TestNewConversationLoggerDisabled(t *testing.T) {
	t.Parallel()

	logger, err := NewConversationLogger(ConversationLogConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, noopConversationLogger{}, logger)
	logger.Log(ConversationLogEvent{ContentRaw: "ignored"})
	assert.NoError(t, logger.Close())
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	clean := cleanForReadability("\x1b[31merror\x1b[0m   plain\n")
	assert.Equal(t, "error plain", clean)
}

func TestSafeName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "anonymous", safeName(""))
	assert.Equal(t, "anonymous", safeName(".."))
	assert.Equal(t, "tab_1", safeName("tab 1"))
	assert.Equal(t, "anon_abc.def-1", safeName("anon_abc.def-1"))
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			return lines[len(lines)-1]
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
