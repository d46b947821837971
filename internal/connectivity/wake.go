package connectivity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/mesh-intelligence/satchel/internal/logging"
)

// Reconnect backoff bounds for WakeListener.
const (
	DefaultReconnectBase = time.Second
	DefaultReconnectMax  = 2 * time.Minute
)

// wakeMessage is the push frame the remote sends; only type "sync" wakes.
type wakeMessage struct {
	Type string `json:"type"`
	Tag  string `json:"tag"`
}

// WakeListener holds a websocket open to the remote push endpoint and turns
// each sync message into Bridge.Wake. It reconnects with capped exponential
// backoff until its context ends.
type WakeListener struct {
	URL    string
	Token  string
	Bridge *Bridge
	Logger *slog.Logger

	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Run connects and listens until ctx is done.
func (w *WakeListener) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	recon := newReconnector(w.ReconnectBase, w.ReconnectMax)

	for {
		connected, err := w.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			recon.reset()
		}
		delay := recon.nextDelay()
		logger.Warn("wake listener disconnected", "error", err, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// listen runs one connection. connected reports whether the dial succeeded.
func (w *WakeListener) listen(ctx context.Context) (connected bool, err error) {
	var opts *websocket.DialOptions
	if w.Token != "" {
		opts = &websocket.DialOptions{HTTPHeader: http.Header{"Authorization": {"Bearer " + w.Token}}}
	}
	conn, _, err := websocket.Dial(ctx, w.URL, opts)
	if err != nil {
		return false, fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		var msg wakeMessage
		if json.Unmarshal(data, &msg) != nil || msg.Type != "sync" {
			continue
		}
		w.Bridge.Wake(msg.Tag)
	}
}

// reconnector computes capped exponential delays with jitter.
type reconnector struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	attempt   int
}

func newReconnector(base, ceiling time.Duration) *reconnector {
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if ceiling <= 0 {
		ceiling = DefaultReconnectMax
	}
	return &reconnector{baseDelay: base, maxDelay: ceiling}
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}
