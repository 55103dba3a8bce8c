// WebSocket transport for the miner protocol, for web miners and
// proxies that cannot open raw TCP sockets. Each text frame carries
// the same JSON-RPC body the TCP port accepts.
package slave

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/krypton-pool/krypton-pool/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // miners connect from anywhere
	},
}

// WebSocketServer bridges websocket frames onto a stratum Server
type WebSocketServer struct {
	stratum *Server
	server  *http.Server

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewWebSocketServer creates a websocket front for one coin's stratum
// server
func NewWebSocketServer(stratum *Server) *WebSocketServer {
	return &WebSocketServer{
		stratum: stratum,
		quit:    make(chan struct{}),
	}
}

// Start begins serving websocket upgrades. A no-op when no bind
// address is configured.
func (s *WebSocketServer) Start() error {
	bind := s.stratum.cfg.Stratum.WebSocketBind
	if bind == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/", s.handleUpgrade)

	s.server = &http.Server{
		Addr:    bind,
		Handler: mux,
	}

	util.Infof("WebSocket miner server listening on %s", bind)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("WebSocket server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the server
func (s *WebSocketServer) Stop() {
	close(s.quit)
	if s.server != nil {
		s.server.Close()
	}
	s.wg.Wait()
	util.Info("WebSocket server stopped")
}

// handleUpgrade upgrades one HTTP request and runs the miner protocol
// over the resulting socket
func (s *WebSocketServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ip := extractIP(r.RemoteAddr)
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip = strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}

	if s.stratum.policy != nil {
		if s.stratum.policy.IsBanned(ip) {
			http.Error(w, "Banned", http.StatusForbidden)
			return
		}
		if !s.stratum.policy.ApplyConnectionLimit(ip) {
			http.Error(w, "Too many connections", http.StatusTooManyRequests)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Warnf("WebSocket upgrade error: %v", err)
		return
	}

	s.wg.Add(1)
	go s.handleClient(conn, ip)
}

// handleClient reads frames and dispatches them through the stratum
// request handlers, so websocket miners get identical semantics
func (s *WebSocketServer) handleClient(conn *websocket.Conn, ip string) {
	defer s.wg.Done()

	session := &Session{
		ID:         newSessionID(),
		conn:       &wsConn{Conn: conn},
		remoteAddr: ip,
		lastBeat:   time.Now().Unix(),
	}
	defer func() {
		conn.Close()
		if _, loaded := s.stratum.sessions.LoadAndDelete(session.ID); loaded {
			s.stratum.minerDisconnected()
		}
		util.Debugf("WebSocket session %s disconnected: %s", shortID(session.ID), ip)
	}()

	conn.SetReadLimit(MaxRequestSize)

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req rpcRequest
		if err := json.Unmarshal(message, &req); err != nil {
			if s.stratum.policy != nil && !s.stratum.policy.ApplyMalformedPolicy(ip) {
				return
			}
			s.stratum.sendError(session, nil, -32700, "Parse error")
			continue
		}

		s.stratum.handleRequest(session, &req, ip)
	}
}

// wsConn adapts a websocket connection to the net.Conn surface the
// stratum write path uses. Reads go through ReadMessage, never here.
type wsConn struct {
	*websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Read(p []byte) (int, error) {
	return 0, net.ErrClosed
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}
