package relayclient

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"vending-controller/internal/metrics"
	"vending-controller/internal/nostr"
)

const (
	maxMessageSize int64         = 1 << 20
	writeTimeout   time.Duration = 10 * time.Second
)

var errNotConnected = errors.New("relay not connected")

// relayConn keeps one websocket to a relay alive, redialing with
// exponential backoff until the client context ends.
type relayConn struct {
	url    string
	client *Client

	connected atomic.Bool

	sendMu sync.Mutex
	ws     *websocket.Conn
}

func newRelayConn(c *Client, url string) *relayConn {
	return &relayConn{url: url, client: c}
}

func (r *relayConn) run(ctx context.Context) {
	opts := r.client.opts
	for ctx.Err() == nil {
		b := backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(opts.MinBackoff),
			backoff.WithMaxInterval(opts.MaxBackoff),
			backoff.WithMaxElapsedTime(0),
		)
		ws, err := backoff.RetryNotifyWithData(func() (*websocket.Conn, error) {
			ws, _, err := opts.Dialer.DialContext(ctx, r.url, nil)
			return ws, err
		}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
			log.Warn().Err(err).Str("relay", r.url).Dur("retry_in", wait).Msg("relay connect failed")
		})
		if err != nil {
			return
		}

		log.Info().Str("relay", r.url).Msg("relay connected")
		r.serve(ctx, ws)
		log.Warn().Str("relay", r.url).Msg("relay disconnected")
	}
}

func (r *relayConn) serve(ctx context.Context, ws *websocket.Conn) {
	opts := r.client.opts
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	r.sendMu.Lock()
	r.ws = ws
	r.sendMu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-done:
		}
	}()
	go r.pingLoop(ws, done)

	r.client.onConnect(r)
	defer func() {
		r.sendMu.Lock()
		r.ws = nil
		r.sendMu.Unlock()
		_ = ws.Close()
		r.client.onDisconnect(r)
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Debug().Err(err).Str("relay", r.url).Msg("relay read failed")
			}
			return
		}
		msg, err := nostr.ParseRelayMessage(data)
		if err != nil {
			log.Debug().Err(err).Str("relay", r.url).Msg("ignoring unparseable relay message")
			continue
		}
		r.client.handleRelayMessage(r.url, msg)
	}
}

func (r *relayConn) pingLoop(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(r.client.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.sendMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			r.sendMu.Unlock()
			if err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}

func (r *relayConn) setConnected(up bool) {
	r.connected.Store(up)
	metrics.SetRelayConnected(r.url, up)
}

func (r *relayConn) isConnected() bool { return r.connected.Load() }

func (r *relayConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if r.ws == nil {
		return errNotConnected
	}
	if err := r.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return r.ws.WriteMessage(websocket.TextMessage, data)
}
