package websocket

import (
	"errors"
	"sync"
	"time"

	"go-dm-relay/internal/interfaces"
	"go-dm-relay/pkg/config"
	"go-dm-relay/pkg/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrClientClosed   = errors.New("client closed")
	ErrSendBufferFull = errors.New("client send buffer full")
)

type ClientOptions struct {
	WriteWait      time.Duration // 写超时
	PongWait       time.Duration // 等待pong的最大时间
	PingPeriod     time.Duration // 发送ping的周期
	MaxMessageSize int64         // 消息最大长度
	SendBufferSize int
	RetryCount     int
	RetryInterval  time.Duration
}

func NewClientOptions(cfg config.WebSocketConfig) ClientOptions {
	o := ClientOptions{
		WriteWait:      time.Duration(cfg.WriteWaitSeconds) * time.Second,
		PongWait:       time.Duration(cfg.PongWaitSeconds) * time.Second,
		MaxMessageSize: int64(cfg.MaxMessageSize),
		SendBufferSize: cfg.SendBufferSize,
		RetryCount:     cfg.MessageRetryCount,
		RetryInterval:  time.Duration(cfg.MessageRetryIntervalMs) * time.Millisecond,
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4096
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 256
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 100 * time.Millisecond
	}
	o.PingPeriod = (o.PongWait * 9) / 10
	return o
}

type Client struct {
	UserID  uint
	Conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	opts    ClientOptions
	handler interfaces.FrameHandler
	manager interfaces.ConnectionManager
}

func NewClient(userID uint, conn *websocket.Conn, handler interfaces.FrameHandler, manager interfaces.ConnectionManager, opts ClientOptions) *Client {
	return &Client{
		UserID:  userID,
		Conn:    conn,
		send:    make(chan []byte, opts.SendBufferSize),
		done:    make(chan struct{}),
		opts:    opts,
		handler: handler,
		manager: manager,
	}
}

func (c *Client) GetUserID() uint {
	return c.UserID
}

// QueueBytes hands a frame to the write pump. When the buffer is full it retries a few
// times before giving up; the hub drops clients that stay full.
func (c *Client) QueueBytes(data []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	case c.send <- data:
		return nil
	default:
	}

	for i := 0; i < c.opts.RetryCount; i++ {
		logger.L.Warn("Client send buffer full, retry attempt",
			zap.Uint("userID", c.UserID),
			zap.Int("attempt", i+1))
		timer := time.NewTimer(c.opts.RetryInterval)
		select {
		case c.send <- data:
			timer.Stop()
			return nil
		case <-c.done:
			timer.Stop()
			return ErrClientClosed
		case <-timer.C:
		}
	}
	return ErrSendBufferFull
}

// Close stops the write pump and the connection. Safe to call repeatedly.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		if c.Conn != nil {
			c.Conn.Close()
		}
	})
}

func (c *Client) ReadPump() {
	defer func() {
		c.manager.Unregister(c)
		c.Close()
	}()

	c.Conn.SetReadLimit(c.opts.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		// pong 同时刷新在线状态
		go c.handler.HandleFrame(c.UserID, interfaces.EventHeartbeat, nil)
		return nil
	})

	for {
		messageType, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.L.Warn("Unexpected websocket close", zap.Uint("userID", c.UserID), zap.Error(err))
			} else {
				logger.L.Debug("Websocket read ended", zap.Uint("userID", c.UserID), zap.Error(err))
			}
			return
		}

		var frame *Frame
		switch messageType {
		case websocket.BinaryMessage:
			frame, err = DecodeFrame(data)
		case websocket.TextMessage:
			frame, err = DecodeFrameJSON(data)
		default:
			continue
		}
		if err != nil {
			logger.L.Warn("Dropping malformed frame", zap.Uint("userID", c.UserID), zap.Error(err))
			continue
		}
		c.handler.HandleFrame(c.UserID, frame.Event, frame.Payload)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.mu.Lock()
			c.Conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			c.mu.Unlock()
			return

		case data := <-c.send:
			c.mu.Lock()
			c.Conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			err := c.Conn.WriteMessage(websocket.BinaryMessage, data)
			if err == nil {
				// 批量写出已排队的帧
				n := len(c.send)
				for i := 0; i < n; i++ {
					if err = c.Conn.WriteMessage(websocket.BinaryMessage, <-c.send); err != nil {
						break
					}
				}
			}
			c.mu.Unlock()
			if err != nil {
				logger.L.Warn("Failed to write frame", zap.Uint("userID", c.UserID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.mu.Lock()
			c.Conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			err := c.Conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				logger.L.Debug("Failed to send ping", zap.Uint("userID", c.UserID), zap.Error(err))
				return
			}
		}
	}
}
