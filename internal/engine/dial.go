package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callbridge/internal/reliability"
)

var ErrNoAPIKey = errors.New("engine api key not configured")

type Config struct {
	URL         string
	Model       string
	APIKey      string
	DialTimeout time.Duration
	Attempts    int
}

// Dialer opens realtime engine websockets.
type Dialer struct {
	cfg     Config
	ws      *websocket.Dialer
	backoff func(attempt int) time.Duration
}

func NewDialer(cfg Config) *Dialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	return &Dialer{
		cfg: cfg,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		backoff: func(attempt int) time.Duration {
			return reliability.ExponentialBackoff(attempt, 200*time.Millisecond, 2*time.Second)
		},
	}
}

// Dial connects to the engine, retrying transient handshake failures.
func (d *Dialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	if d.cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse engine url: %w", err)
	}
	if d.cfg.Model != "" {
		q := u.Query()
		q.Set("model", d.cfg.Model)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	var lastErr error
	for attempt := 0; attempt < d.cfg.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d.backoff(attempt - 1)):
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
		conn, resp, err := d.ws.DialContext(dialCtx, u.String(), headers)
		cancel()
		if err == nil {
			return conn, nil
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		lastErr = fmt.Errorf("dial engine websocket (attempt %d, status %d): %w", attempt+1, status, err)

		retry := reliability.IsRetryableDial(resp, err) ||
			(ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded))
		if !retry {
			break
		}
	}
	return nil, lastErr
}
