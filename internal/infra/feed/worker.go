package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"circuit_go/internal/domain"
	"circuit_go/internal/event"
	"circuit_go/internal/infra"

	"github.com/gorilla/websocket"
)

const (
	defaultBaseDelay = 1 * time.Second
	defaultMaxDelay  = 60 * time.Second
	maxRetries       = 10
	pingInterval     = 30 * time.Second
	readTimeout      = 60 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Frame types sent by the upstream quote feed.
const (
	FrameIndex  = "index"
	FrameOption = "option"
)

// frame is one upstream JSON message. Index frames carry only the
// index name and its last trade time.
type frame struct {
	Type          string    `json:"type"`
	Index         string    `json:"index"`
	LastTradeTime time.Time `json:"last_trade_time"`

	Strike     string          `json:"strike"`
	OptionType string          `json:"option_type"`
	Expiry     string          `json:"expiry"`
	Quote      domain.RawQuote `json:"quote"`
}

// IndexObserver receives reference index trade times.
type IndexObserver interface {
	Observe(indexName string, at time.Time)
}

// Option configures a Worker.
type Option func(*Worker)

// WithBackoff overrides the reconnect delay bounds.
func WithBackoff(base, max time.Duration) Option {
	return func(w *Worker) {
		w.baseDelay = base
		w.maxDelay = max
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *infra.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithSubscriptions sets contract ids announced after each connect.
func WithSubscriptions(ids []string) Option {
	return func(w *Worker) { w.subscriptions = ids }
}

// Worker reads the upstream quote feed over WebSocket, reconnecting
// with exponential backoff. Option quotes go to inbox; index ticks go
// to the observer.
type Worker struct {
	url           string
	observer      IndexObserver
	inbox         chan<- *event.QuoteEvent
	subscriptions []string

	baseDelay time.Duration
	maxDelay  time.Duration
	metrics   *infra.Metrics
	logger    *slog.Logger
	clock     domain.Clock

	conn    *websocket.Conn
	mu      sync.RWMutex
	writeMu sync.Mutex
}

// NewWorker creates a feed worker for url.
func NewWorker(url string, observer IndexObserver, inbox chan<- *event.QuoteEvent, opts ...Option) *Worker {
	w := &Worker{
		url:       url,
		observer:  observer,
		inbox:     inbox,
		baseDelay: defaultBaseDelay,
		maxDelay:  defaultMaxDelay,
		metrics:   infra.GlobalMetrics,
		logger:    slog.Default(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run keeps a connection open until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := w.connect(ctx); err != nil {
			w.logger.Warn("Feed connection failed",
				slog.Any("error", err),
				slog.Int("retry", retryCount),
			)

			delay := w.backoff(retryCount)
			retryCount++
			if retryCount > maxRetries {
				retryCount = 0
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				continue
			}
		}

		retryCount = 0
		w.serve(ctx)
	}
}

func (w *Worker) backoff(retryCount int) time.Duration {
	delay := float64(w.baseDelay) * math.Pow(2, float64(retryCount))
	if delay > float64(w.maxDelay) {
		return w.maxDelay
	}
	return time.Duration(delay)
}

func (w *Worker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.url, http.Header{})
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.metrics.IncrementConnections()

	if err := w.subscribe(); err != nil {
		w.closeConnection()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	w.logger.Info("Feed connected", slog.String("url", w.url), slog.Int("subs", len(w.subscriptions)))
	return nil
}

func (w *Worker) subscribe() error {
	if len(w.subscriptions) == 0 {
		return nil
	}
	msg := map[string]any{
		"op":        "subscribe",
		"contracts": w.subscriptions,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return w.write(websocket.TextMessage, b)
}

func (w *Worker) write(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return fmt.Errorf("no conn")
	}
	return w.conn.WriteMessage(msgType, data)
}

// serve runs the read loop and a pinger until either ends.
func (w *Worker) serve(ctx context.Context) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go w.pingLoop(connCtx)

	go func() {
		<-connCtx.Done()
		w.closeConnection()
	}()

	w.readLoop(connCtx)
}

func (w *Worker) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.write(websocket.PingMessage, nil); err != nil {
				w.logger.Debug("Feed ping failed", slog.Any("error", err))
				return
			}
		}
	}
}

func (w *Worker) readLoop(ctx context.Context) {
	for {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("Feed read failed", slog.Any("error", err))
			}
			w.closeConnection()
			return
		}
		if !w.handleMessage(ctx, msg) {
			return
		}
	}
}

// handleMessage dispatches one frame. It returns false only when ctx
// ended while waiting on a full inbox.
func (w *Worker) handleMessage(ctx context.Context, msg []byte) bool {
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		w.logger.Debug("Feed frame ignored", slog.Any("error", err))
		return true
	}

	switch f.Type {
	case FrameIndex:
		if w.observer != nil && f.Index != "" {
			w.observer.Observe(strings.ToUpper(f.Index), f.LastTradeTime)
		}
		return true
	case FrameOption:
	default:
		return true
	}

	key, err := f.contractKey()
	if err != nil {
		w.metrics.RecordRejected()
		w.logger.Warn("Feed quote rejected", slog.Any("error", err))
		return true
	}

	ev := event.AcquireQuoteEvent()
	ev.Contract = key
	ev.Raw = f.Quote
	ev.ReceivedAt = w.clock()
	ev.Source = "feed"

	select {
	case w.inbox <- ev:
		return true
	case <-ctx.Done():
		event.ReleaseQuoteEvent(ev)
		return false
	}
}

func (f frame) contractKey() (domain.ContractKey, error) {
	id := strings.Join([]string{f.Index, f.Strike, f.OptionType, f.Expiry}, "|")
	return domain.ParseContractID(id)
}

func (w *Worker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
		w.metrics.DecrementConnections()
	}
}
