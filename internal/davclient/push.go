package davclient

import (
	"context"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mbaechler/calgrace/internal/calendar"
)

const (
	pushReconnectBase = 250 * time.Millisecond
	pushReconnectMax  = 10 * time.Second
)

// PushSocket keeps a websocket open to the store's push endpoint and feeds
// every notification to the handler, reconnecting with backoff until Close.
// The handler runs on the socket's goroutine; it must not block.
type PushSocket struct {
	url     string
	handler func(calendar.Notification)
	logger  Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// DialPush starts the push loop. baseURL is the same base the HTTP store
// uses; the token rides the URL because websocket clients cannot always set
// headers.
func DialPush(baseURL, token string, handler func(calendar.Notification), logger Logger) *PushSocket {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	endpoint := baseURL + "/v1/push"
	if token != "" {
		endpoint += "?access_token=" + token
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &PushSocket{
		url:     endpoint,
		handler: handler,
		logger:  logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *PushSocket) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *PushSocket) run(ctx context.Context) {
	defer close(s.done)
	delay := pushReconnectBase
	for {
		conn, _, err := websocket.Dial(ctx, s.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logf("push: dial failed: %v", err)
			if waitWithContext(ctx, delay) != nil {
				return
			}
			delay *= 2
			if delay > pushReconnectMax {
				delay = pushReconnectMax
			}
			continue
		}
		delay = pushReconnectBase
		s.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *PushSocket) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		var n calendar.Notification
		if err := wsjson.Read(ctx, conn, &n); err != nil {
			if ctx.Err() == nil {
				s.logf("push: read failed: %v", err)
			}
			return
		}
		if s.handler != nil {
			s.handler(n)
		}
	}
}

func (s *PushSocket) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
