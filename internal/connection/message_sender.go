package connection

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/logger"
)

// WriteFrame 发送一个 JSON 帧. Safe for concurrent use; gorilla allows one
// writer at a time.
func (c *Connection) WriteFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logger.ErrorF("[%s] Fail to send data, details: %v", c.ConnID, err)
		return err
	}
	logger.DebugF("[%s] Send %d bytes to client", c.ConnID, len(data))
	return nil
}

// Ping 发送心跳
func (c *Connection) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(10 * time.Second)
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	return c.Conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close sends a close frame and closes the socket.
func (c *Connection) Close(code int, reason string) {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	if err := c.Conn.Close(); err != nil && !IsNetClosedError(err) {
		logger.WarnF("[%s] Error occured while closing connection, details: %v", c.ConnID, err)
	}
}
