package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ConversationLogConfig controls the NDJSON conversation log.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// ConversationLogEvent is one line of the conversation log.
type ConversationLogEvent struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"visitor_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// ConversationLogger records user and assistant messages.
type ConversationLogger interface {
	Log(ev ConversationLogEvent)
	Close() error
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent) {}
func (noopConversationLogger) Close() error             { return nil }

// fileConversationLogger writes one file per visitor tab, plus an optional global
// file, from a single background goroutine. Events are dropped when the queue is full.
type fileConversationLogger struct {
	cfg    ConversationLogConfig
	logger *slog.Logger
	queue  chan ConversationLogEvent
	done   chan struct{}
	once   sync.Once

	files  map[string]*os.File
	global *os.File
}

// NewConversationLogger returns a logger for cfg. A disabled config yields a no-op logger.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled && !cfg.GlobalEnabled {
		return noopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	l := &fileConversationLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan ConversationLogEvent, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
	}
	if cfg.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create conversation log dir: %w", err)
		}
	}
	if cfg.GlobalEnabled {
		f, err := openAppend(cfg.GlobalPath)
		if err != nil {
			return nil, fmt.Errorf("open global conversation log: %w", err)
		}
		l.global = f
	}

	go l.run()
	return l, nil
}

func (l *fileConversationLogger) Log(ev ConversationLogEvent) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if ev.Content == "" {
		ev.Content = cleanForReadability(ev.ContentRaw)
	}
	select {
	case l.queue <- ev:
	default:
		l.logger.Warn("Conversation log queue full, dropping event", "visitor_id", ev.UserID, "event_type", ev.EventType)
	}
}

func (l *fileConversationLogger) Close() error {
	l.once.Do(func() { close(l.queue) })
	<-l.done
	return nil
}

func (l *fileConversationLogger) run() {
	defer close(l.done)
	for ev := range l.queue {
		line, err := json.Marshal(ev)
		if err != nil {
			l.logger.Warn("Failed to encode conversation log event", "error", err)
			continue
		}
		line = append(line, '\n')

		if l.cfg.Enabled {
			if f, err := l.sessionFile(ev.UserID, ev.SessionID); err != nil {
				l.logger.Warn("Failed to open conversation log", "error", err, "visitor_id", ev.UserID)
			} else if _, err := f.Write(line); err != nil {
				l.logger.Warn("Failed to write conversation log", "error", err, "visitor_id", ev.UserID)
			}
		}
		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Warn("Failed to write global conversation log", "error", err)
			}
		}
	}

	for key, f := range l.files {
		if err := f.Close(); err != nil {
			l.logger.Debug("Failed to close conversation log", "error", err, "file", key)
		}
	}
	if l.global != nil {
		_ = l.global.Close()
	}
}

func (l *fileConversationLogger) sessionFile(visitorID, sessionID string) (*os.File, error) {
	path := filepath.Join(l.cfg.Dir, safeName(visitorID), safeName(sessionID)+".ndjson")
	if f, ok := l.files[path]; ok {
		return f, nil
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	l.files[path] = f
	return f, nil
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // path is built from sanitized ids
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safeName(s string) string {
	s = unsafeNameChars.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "anonymous"
	}
	return s
}

var ansiSequence = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// cleanForReadability strips ANSI escapes and collapses whitespace runs.
func cleanForReadability(s string) string {
	s = ansiSequence.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}
