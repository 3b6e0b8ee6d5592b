package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/ftl/cvep/dsp"
)

const defaultKeepalivePeriod = 5 * time.Second

var ErrInvalidBatch = errors.New("invalid batch")

// batchMessage is the JSON representation of a sample batch. Frames has one row per channel.
type batchMessage struct {
	Stream     string      `json:"stream"`
	Frames     [][]float64 `json:"frames"`
	Timestamps []float64   `json:"timestamps"`
}

type subscribeMessage struct {
	Subscribe []string `json:"subscribe"`
}

type clientConn interface {
	Close() error
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
}

// WebsocketClient receives JSON sample batches from a websocket server and forwards them to a BatchHandler.
type WebsocketClient struct {
	url     string
	handler BatchHandler

	keepalivePeriod time.Duration

	out       chan []byte
	close     chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

// OpenWebsocket connects to the given websocket URL and subscribes to the given streams.
// Without streams, the server decides what to send.
func OpenWebsocket(rawURL string, handler BatchHandler, streams ...string) (*WebsocketClient, error) {
	serverURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if serverURL.Scheme != "ws" && serverURL.Scheme != "wss" {
		return nil, fmt.Errorf("invalid websocket URL %s: scheme must be ws or wss", rawURL)
	}

	conn, _, err := websocket.DefaultDialer.Dial(serverURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("cannot dial websocket: %w", err)
	}
	log.Info("connected to websocket source", "url", serverURL)

	client := newWebsocketClient(serverURL.String(), handler)
	go client.readLoop(conn)
	go client.writeLoop(conn)

	if len(streams) > 0 {
		err := client.sendJSON(subscribeMessage{Subscribe: streams})
		if err != nil {
			client.Close()
			return nil, err
		}
	}

	return client, nil
}

func newWebsocketClient(url string, handler BatchHandler) *WebsocketClient {
	return &WebsocketClient{
		url:     url,
		handler: handler,

		keepalivePeriod: defaultKeepalivePeriod,

		out:    make(chan []byte),
		close:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (c *WebsocketClient) readLoop(conn clientConn) {
	defer conn.Close()
	for {
		select {
		case <-c.closed:
			return
		default:
			msgType, msgBytes, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-c.close:
				default:
					log.Warn("cannot read next message from websocket", "error", err)
				}
				c.shutdown()
				return
			}
			if msgType != websocket.TextMessage {
				log.Debug("ignoring non-text websocket message", "type", msgType)
				continue
			}

			batch, err := decodeBatchMessage(msgBytes)
			if err != nil {
				log.Warn("cannot decode batch", "error", err)
				continue
			}
			err = c.handler.Append(batch.Stream, batch.Frames, batch.Timestamps)
			if err != nil {
				log.Warn("batch rejected", "stream", batch.Stream, "error", err)
			}
		}
	}
}

func decodeBatchMessage(bytes []byte) (*batchMessage, error) {
	result := &batchMessage{}
	err := json.Unmarshal(bytes, result)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	if result.Stream == "" {
		return nil, fmt.Errorf("%w: no stream name", ErrInvalidBatch)
	}
	frames := dsp.Matrix(result.Frames)
	if err := frames.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	if frames.Samples() != len(result.Timestamps) {
		return nil, fmt.Errorf("%w: %d samples with %d timestamps", ErrInvalidBatch, frames.Samples(), len(result.Timestamps))
	}
	return result, nil
}

func (c *WebsocketClient) writeLoop(conn clientConn) {
	defer close(c.closed)
	defer conn.Close()

	keepalive := time.NewTicker(c.keepalivePeriod)
	defer keepalive.Stop()

	for {
		var err error
		select {
		case <-c.close:
			return
		case <-keepalive.C:
			err = conn.WriteMessage(websocket.PingMessage, nil)
		case message := <-c.out:
			err = conn.WriteMessage(websocket.TextMessage, message)
		}
		if err != nil {
			log.Warn("cannot write message to websocket", "error", err)
			c.shutdown()
			return
		}
	}
}

func (c *WebsocketClient) shutdown() {
	c.closeOnce.Do(func() {
		close(c.close)
	})
}

func (c *WebsocketClient) sendJSON(message any) error {
	bytes, err := json.Marshal(message)
	if err != nil {
		return err
	}
	select {
	case c.out <- bytes:
		return nil
	case <-c.close:
		return fmt.Errorf("websocket connection closed")
	}
}

// Done is closed when the connection is closed.
func (c *WebsocketClient) Done() <-chan struct{} {
	return c.closed
}

func (c *WebsocketClient) Close() {
	c.shutdown()
	<-c.closed
}
