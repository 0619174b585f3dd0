package supervisor

import (
	"sync"
	"time"

	"stream-keeper/internal/stream"
)

// StreamID identifies one supervised camera stream.
type StreamID string

// StreamConfig describes a stream to keep playing. It is also the body of
// POST /streams.
type StreamConfig struct {
	ID        StreamID `json:"id"`
	URL       string   `json:"url"`
	NativeHLS bool     `json:"native_hls,omitempty"`
}

// Status is the JSON view of a supervised stream.
type Status struct {
	ID         StreamID             `json:"id"`
	URL        string               `json:"url"`
	NativeHLS  bool                 `json:"native_hls"`
	Ready      bool                 `json:"ready"`
	Loading    bool                 `json:"loading"`
	LastError  string               `json:"last_error,omitempty"`
	Losses     int                  `json:"losses"`
	AddedAt    time.Time            `json:"added_at"`
	Connection stream.Status        `json:"connection"`
	Surface    *stream.SurfaceStats `json:"surface,omitempty"`
}

// StreamState is the in-memory record for one stream: its connection, the
// surface it renders to, and what the observer has seen.
type StreamState struct {
	mu        sync.Mutex
	cfg       StreamConfig
	conn      *stream.Connection
	surface   stream.Surface
	addedAt   time.Time
	ready     bool
	loading   bool
	lastError string
	losses    int
	removed   bool
	// gen counts connections created for this stream; observers of older
	// connections are ignored.
	gen uint64
}

func (st *StreamState) connection() *stream.Connection {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.conn
}

func (st *StreamState) config() StreamConfig {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cfg
}

func (st *StreamState) snapshot() Status {
	st.mu.Lock()
	out := Status{
		ID:        st.cfg.ID,
		URL:       st.cfg.URL,
		NativeHLS: st.cfg.NativeHLS,
		Ready:     st.ready,
		Loading:   st.loading,
		LastError: st.lastError,
		Losses:    st.losses,
		AddedAt:   st.addedAt,
	}
	conn, surface := st.conn, st.surface
	st.mu.Unlock()

	if conn != nil {
		out.Connection = conn.Status()
	}
	if s, ok := surface.(stream.StatsReporter); ok {
		stats := s.Stats()
		out.Surface = &stats
	}
	return out
}

// nextObserver starts a new connection generation and returns an observer
// recording its notifications for the status API. Callers hold st.mu.
func (st *StreamState) nextObserver() stream.Observer {
	st.gen++
	gen := st.gen
	st.ready, st.loading, st.lastError = false, false, ""
	current := func() bool { return st.gen == gen }
	return stream.ObserverFuncs{
		Error: func(msg string) {
			st.mu.Lock()
			defer st.mu.Unlock()
			if current() {
				st.lastError = msg
				st.ready = false
			}
		},
		Loading: func(loading bool) {
			st.mu.Lock()
			defer st.mu.Unlock()
			if current() {
				st.loading = loading
			}
		},
		Ready: func() {
			st.mu.Lock()
			defer st.mu.Unlock()
			if current() {
				st.ready = true
				st.lastError = ""
			}
		},
		ConnectionLost: func() {
			st.mu.Lock()
			defer st.mu.Unlock()
			if current() {
				st.ready = false
				st.losses++
			}
		},
	}
}
