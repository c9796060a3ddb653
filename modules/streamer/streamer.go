package streamer

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gridwatch/gridwatch/pkg/eventbus"
	"github.com/gridwatch/gridwatch/pkg/model"
)

var (
	metricSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridwatch",
		Name:      "streamer_sessions",
		Help:      "The current number of open stream sessions.",
	})
	metricEventsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridwatch",
		Name:      "streamer_events_sent_total",
		Help:      "The total number of events written to stream sessions.",
	})
	metricBadCommands = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridwatch",
		Name:      "streamer_bad_commands_total",
		Help:      "The total number of unparseable subscription commands.",
	})
)

// Streamer upgrades dashboard connections to websockets and relays bus
// events matching each session's subscriptions.
type Streamer struct {
	services.Service

	cfg    Config
	logger log.Logger
	bus    *eventbus.Bus

	upgrader websocket.Upgrader

	mtx      sync.Mutex
	sessions map[*session]struct{}
}

// New creates the streamer.
func New(cfg Config, bus *eventbus.Bus, logger log.Logger) (*Streamer, error) {
	s := &Streamer{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// the dashboard may be served from a different origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: map[*session]struct{}{},
	}
	s.Service = services.NewIdleService(nil, s.stopping)
	return s, nil
}

func (s *Streamer) stopping(_ error) error {
	s.mtx.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mtx.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	return nil
}

// RegisterRoutes attaches the stream endpoint to the server mux.
func (s *Streamer) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/stream", s.handleStream).Methods(http.MethodGet)
}

func (s *Streamer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		level.Warn(s.logger).Log("msg", "websocket upgrade failed", "err", err)
		return
	}

	sess := &session{
		streamer: s,
		conn:     conn,
		sub:      s.bus.Subscribe(s.cfg.QueueSize),
		topics:   map[string]struct{}{},
	}
	s.track(sess)
	metricSessions.Inc()

	go sess.writeLoop()
	sess.readLoop()

	sess.close()
	s.untrack(sess)
	metricSessions.Dec()
}

func (s *Streamer) track(sess *session) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.sessions[sess] = struct{}{}
}

func (s *Streamer) untrack(sess *session) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.sessions, sess)
}

// session is one websocket client: a bus subscription, the topic set it has
// asked for, and a writer goroutine serialising events onto the socket.
type session struct {
	streamer *Streamer
	conn     *websocket.Conn
	sub      *eventbus.Subscription

	// topics is only touched by the read loop
	topics map[string]struct{}

	closeOnce sync.Once
}

// close tears the session down: the subscription channel closes, which ends
// the write loop, and the closed socket ends the read loop.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.sub.Close()
		_ = s.conn.Close()
	})
}

func (s *session) readLoop() {
	cfg := s.streamer.cfg
	s.conn.SetReadLimit(cfg.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleCommand(strings.TrimSpace(string(raw)))
	}
}

func (s *session) handleCommand(cmd string) {
	switch {
	case cmd == "subscribe:all":
		s.subscribe(eventbus.Firehose)
	case cmd == "unsubscribe:all":
		s.unsubscribe(eventbus.Firehose)
	case strings.HasPrefix(cmd, "subscribe:device "):
		if id := strings.TrimSpace(strings.TrimPrefix(cmd, "subscribe:device ")); id != "" {
			s.subscribe(eventbus.DeviceTopic(id))
			return
		}
		s.reject(cmd)
	case strings.HasPrefix(cmd, "unsubscribe:device "):
		if id := strings.TrimSpace(strings.TrimPrefix(cmd, "unsubscribe:device ")); id != "" {
			s.unsubscribe(eventbus.DeviceTopic(id))
			return
		}
		s.reject(cmd)
	default:
		s.reject(cmd)
	}
}

func (s *session) subscribe(topic string) {
	s.topics[topic] = struct{}{}
	s.sub.Add(topic)
}

func (s *session) unsubscribe(topic string) {
	delete(s.topics, topic)
	s.sub.Remove(topic)
}

func (s *session) reject(cmd string) {
	metricBadCommands.Inc()
	level.Debug(s.streamer.logger).Log("msg", "unknown stream command", "cmd", cmd)
}

func (s *session) writeLoop() {
	cfg := s.streamer.cfg
	ping := time.NewTicker(cfg.PingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-s.sub.Chan():
			if !ok {
				return
			}
			if err := s.write(websocket.TextMessage, mustMarshal(ev)); err != nil {
				s.close()
				return
			}
			metricEventsSent.Inc()
		case <-ping.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *session) write(messageType int, payload []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.streamer.cfg.WriteTimeout))
	return s.conn.WriteMessage(messageType, payload)
}

func mustMarshal(ev model.Event) []byte {
	data, err := jsoniter.Marshal(ev)
	if err != nil {
		// payloads are plain structs, marshalling cannot fail at runtime
		return []byte(`{"event":"error"}`)
	}
	return data
}
