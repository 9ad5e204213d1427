package frame

import (
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/stream-relay/backend/internal/logger"
)

// Sink receives every decoded frame of every session. Consume is called
// from the session's ingestion goroutine, in arrival order, and must not
// block for long.
type Sink interface {
	Consume(identity string, f *Frame)
}

// Releaser is implemented by sinks holding per-session resources. Release
// is called once when the session ends.
type Releaser interface {
	Release(identity string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(identity string, f *Frame)

func (fn SinkFunc) Consume(identity string, f *Frame) {
	fn(identity, f)
}

// Multi fans each frame out to several sinks.
type Multi []Sink

func (m Multi) Consume(identity string, f *Frame) {
	for _, s := range m {
		s.Consume(identity, f)
	}
}

func (m Multi) Release(identity string) {
	for _, s := range m {
		if r, ok := s.(Releaser); ok {
			r.Release(identity)
		}
	}
}

// Latest keeps the most recent frame of each session for ttl after it
// arrived, so it can be fetched over HTTP.
type Latest struct {
	frames *cache.Cache
}

func NewLatest(ttl time.Duration) *Latest {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	cleanup := time.Minute
	if ttl > 0 && ttl < cleanup {
		cleanup = ttl
	}
	return &Latest{frames: cache.New(ttl, cleanup)}
}

func (l *Latest) Consume(identity string, f *Frame) {
	l.frames.Set(identity, f, cache.DefaultExpiration)
}

func (l *Latest) Release(identity string) {
	l.frames.Delete(identity)
}

// Get returns the latest frame of identity, if one is still held.
func (l *Latest) Get(identity string) (*Frame, bool) {
	v, ok := l.frames.Get(identity)
	if !ok {
		return nil, false
	}
	return v.(*Frame), true
}

// Len reports how many sessions have a frame held.
func (l *Latest) Len() int {
	return l.frames.ItemCount()
}

// Log writes one debug entry per frame.
type Log struct {
	Logger logger.Logger
}

func (s Log) Consume(identity string, f *Frame) {
	s.Logger.Debug("frame",
		logger.F("id", identity),
		logger.F("seq", f.Seq),
		logger.F("width", f.Width),
		logger.F("height", f.Height),
		logger.F("bytes", len(f.Data)),
	)
}
