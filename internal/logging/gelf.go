package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/Graylog2/go-gelf/gelf"
)

// MessageWriter is satisfied by *gelf.Writer.
type MessageWriter interface {
	WriteMessage(m *gelf.Message) error
}

// NewGraylogWriter dials a UDP GELF endpoint such as "graylog:12201".
func NewGraylogWriter(addr string) (*gelf.Writer, error) {
	w, err := gelf.NewWriter(addr)
	if err != nil {
		return nil, fmt.Errorf("graylog %s: %w", addr, err)
	}
	w.Facility = ServiceName
	return w, nil
}

// GELFHandler is a slog.Handler that forwards records to Graylog.
type GELFHandler struct {
	w      MessageWriter
	level  slog.Leveler
	host   string
	attrs  []slog.Attr
	prefix string
	mu     *sync.Mutex
}

// NewGELFHandler creates a handler writing records at or above level to w.
func NewGELFHandler(w MessageWriter, level slog.Leveler) *GELFHandler {
	host, _ := os.Hostname()
	return &GELFHandler{w: w, level: level, host: host, mu: &sync.Mutex{}}
}

func (h *GELFHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *GELFHandler) Handle(_ context.Context, r slog.Record) error {
	extra := make(map[string]interface{}, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		addExtra(extra, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addExtra(extra, h.prefix, a)
		return true
	})

	msg := &gelf.Message{
		Version:  "1.1",
		Host:     h.host,
		Short:    r.Message,
		TimeUnix: float64(r.Time.UnixNano()) / 1e9,
		Level:    syslogLevel(r.Level),
		Facility: ServiceName,
		Extra:    extra,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.w.WriteMessage(msg)
}

func (h *GELFHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *GELFHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// addExtra flattens a into GELF additional fields, which must be prefixed with "_".
func addExtra(extra map[string]interface{}, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			addExtra(extra, p, ga)
		}
		return
	}
	key := "_" + strings.ReplaceAll(prefix+a.Key, " ", "_")
	switch a.Value.Kind() {
	case slog.KindInt64:
		extra[key] = a.Value.Int64()
	case slog.KindUint64:
		extra[key] = a.Value.Uint64()
	case slog.KindFloat64:
		extra[key] = a.Value.Float64()
	case slog.KindBool:
		extra[key] = a.Value.Bool()
	default:
		extra[key] = a.Value.String()
	}
}

func syslogLevel(l slog.Level) int32 {
	switch {
	case l >= slog.LevelError:
		return 3
	case l >= slog.LevelWarn:
		return 4
	case l >= slog.LevelInfo:
		return 6
	default:
		return 7
	}
}
