// Package connection 管理在线的 websocket 连接
package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/logger"
)

// Connection 表示一个客户端连接
type Connection struct {
	Conn      *websocket.Conn
	ConnID    string
	SessionID uuid.UUID

	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func NewConnection(conn *websocket.Conn, sessionID uuid.UUID, writeTimeout time.Duration) *Connection {
	return &Connection{
		Conn:         conn,
		ConnID:       conn.RemoteAddr().String(),
		SessionID:    sessionID,
		writeTimeout: writeTimeout,
	}
}

// ConnectionManager 连接管理器, keyed by session id
type ConnectionManager struct {
	connections sync.Map
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{}
}

// AddConnection 添加连接. A session holds at most one connection; an older
// one is returned so the caller can close it.
func (cm *ConnectionManager) AddConnection(conn *Connection) (*Connection, bool) {
	previous, loaded := cm.connections.Swap(conn.SessionID, conn)
	logger.InfoF("[%s] Session %s connected", conn.ConnID, conn.SessionID)
	if loaded {
		return previous.(*Connection), true
	}
	return nil, false
}

// RemoveConnection 移除连接, only if conn is still the registered one
func (cm *ConnectionManager) RemoveConnection(conn *Connection) bool {
	if !cm.connections.CompareAndDelete(conn.SessionID, conn) {
		return false
	}
	logger.InfoF("[%s] Session %s disconnected", conn.ConnID, conn.SessionID)
	return true
}

// GetConnection 获取连接
func (cm *ConnectionManager) GetConnection(sessionID uuid.UUID) (*Connection, bool) {
	if value, ok := cm.connections.Load(sessionID); ok {
		return value.(*Connection), true
	}
	return nil, false
}

func (cm *ConnectionManager) Len() int {
	n := 0
	cm.connections.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// CloseAll sends a going-away close frame to every connection.
func (cm *ConnectionManager) CloseAll() {
	cm.connections.Range(func(_, value any) bool {
		c := value.(*Connection)
		c.Close(websocket.CloseGoingAway, "server shutting down")
		return true
	})
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		logger.InfoF("[%s] Client close connection", connID)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	case IsNetClosedError(err):
		logger.DebugF("[%s] Connection already closed", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading frame, details: %v", connID, err)
	}
}
