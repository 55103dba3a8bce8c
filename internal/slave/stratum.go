// Package slave implements the miner-facing server: line-delimited
// JSON-RPC over TCP or TLS, one listener per coin port.
package slave

import (
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/krypton-pool/krypton-pool/internal/bus"
	"github.com/krypton-pool/krypton-pool/internal/config"
	"github.com/krypton-pool/krypton-pool/internal/jobs"
	"github.com/krypton-pool/krypton-pool/internal/ledger"
	"github.com/krypton-pool/krypton-pool/internal/policy"
	"github.com/krypton-pool/krypton-pool/internal/pow"
	"github.com/krypton-pool/krypton-pool/internal/util"
	"github.com/krypton-pool/krypton-pool/internal/verify"
)

// Security constants
const (
	MaxRequestSize   = 4096
	MaxRequestBuffer = MaxRequestSize + 64
)

// Share rejection strings follow the conventions cryptonote miners
// already understand
const (
	msgUnauthenticated = "Unauthenticated"
	msgInvalidJobID    = "Invalid job id"
	msgDuplicateShare  = "Duplicate share"
	msgLowDifficulty   = "Low difficulty share"
	msgBlockExpired    = "Block expired"
	msgBlockOutdated   = "Block outdated"
	msgMalformedNonce  = "Malformed nonce"
	msgThrottled       = "Throttled, retry later"
)

// BlockCandidate is a share that met block difficulty, handed up for
// daemon submission
type BlockCandidate struct {
	Coin            string
	Algo            pow.Algo
	BlobHex         string
	Hash            string
	Height          uint64
	Difficulty      uint64
	ShareDifficulty uint64
	Finder          string
	Worker          string
	PoolType        ledger.PoolType
}

// Server handles miner connections for one coin port
type Server struct {
	cfg  *config.Config
	coin *config.CoinConfig

	engine   *jobs.Engine
	verifier *verify.Verifier
	policy   *policy.Server
	events   *bus.Bus

	listener    net.Listener
	tlsListener net.Listener

	sessions sync.Map // session ID -> *Session

	onShare func(*ledger.Share)
	onBlock func(*BlockCandidate) error

	minerCount int64

	quit chan struct{}
	wg   sync.WaitGroup
}

// rpcRequest is a line-delimited JSON-RPC request from a miner
type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID      json.RawMessage `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type loginParams struct {
	Login    string             `json:"login"`
	Pass     string             `json:"pass"`
	Agent    string             `json:"agent"`
	Algo     []string           `json:"algo"`
	AlgoPerf map[string]float64 `json:"algo-perf"`
}

type getjobParams struct {
	ID       string             `json:"id"`
	Algo     []string           `json:"algo"`
	AlgoPerf map[string]float64 `json:"algo-perf"`
}

type submitParams struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	Nonce  string `json:"nonce"`
	Result string `json:"result"`
}

type jobReply struct {
	Blob     string `json:"blob"`
	JobID    string `json:"job_id"`
	Target   string `json:"target"`
	Height   uint64 `json:"height"`
	Algo     string `json:"algo"`
	SeedHash string `json:"seed_hash,omitempty"`
}

type loginReply struct {
	ID     string    `json:"id"`
	Job    *jobReply `json:"job"`
	Status string    `json:"status"`
}

type statusReply struct {
	Status string `json:"status"`
}

// NewServer creates a stratum server for one coin
func NewServer(cfg *config.Config, coin *config.CoinConfig, engine *jobs.Engine, verifier *verify.Verifier, pol *policy.Server, events *bus.Bus) *Server {
	return &Server{
		cfg:      cfg,
		coin:     coin,
		engine:   engine,
		verifier: verifier,
		policy:   pol,
		events:   events,
		quit:     make(chan struct{}),
	}
}

// SetShareCallback sets the accepted-share sink
func (s *Server) SetShareCallback(fn func(*ledger.Share)) {
	s.onShare = fn
}

// SetBlockCallback sets the block-candidate handler. The handler's
// error indicates the daemon rejected the block.
func (s *Server) SetBlockCallback(fn func(*BlockCandidate) error) {
	s.onBlock = fn
}

// Start begins listening for connections
func (s *Server) Start() error {
	bind := fmt.Sprintf("%s:%d", hostOnly(s.cfg.Stratum.Bind), s.coin.Port)
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("failed to bind stratum server for %s: %w", s.coin.Name, err)
	}
	s.listener = listener
	util.Infof("Stratum server for %s listening on %s", s.coin.Name, bind)

	if s.cfg.Stratum.TLSCert != "" && s.cfg.Stratum.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.Stratum.TLSCert, s.cfg.Stratum.TLSKey)
		if err != nil {
			util.Warnf("Failed to load TLS cert/key: %v", err)
		} else {
			tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
			tlsBind := fmt.Sprintf("%s:%d", hostOnly(s.cfg.Stratum.TLSBind), s.coin.Port+10000)
			tlsListener, err := tls.Listen("tcp", tlsBind, tlsConfig)
			if err != nil {
				util.Warnf("Failed to bind TLS stratum server: %v", err)
			} else {
				s.tlsListener = tlsListener
				util.Infof("Stratum TLS server for %s listening on %s", s.coin.Name, tlsBind)
			}
		}
	}

	s.wg.Add(1)
	go s.acceptLoop(s.listener)

	if s.tlsListener != nil {
		s.wg.Add(1)
		go s.acceptLoop(s.tlsListener)
	}

	s.wg.Add(1)
	go s.sweepLoop()

	if s.events != nil {
		if err := s.events.SubscribeAsync(bus.TopicTemplateUpdated, s.onTemplateUpdate); err != nil {
			util.Warnf("Template subscribe failed: %v", err)
		}
		if err := s.events.SubscribeAsync(bus.TopicHashFactorUpdated, s.onHashFactorUpdate); err != nil {
			util.Warnf("Hash factor subscribe failed: %v", err)
		}
	}

	return nil
}

// Stop shuts down the server
func (s *Server) Stop() {
	close(s.quit)

	if s.listener != nil {
		s.listener.Close()
	}
	if s.tlsListener != nil {
		s.tlsListener.Close()
	}

	s.sessions.Range(func(key, value interface{}) bool {
		value.(*Session).conn.Close()
		return true
	})

	s.wg.Wait()
	util.Infof("Stratum server for %s stopped", s.coin.Name)
}

// onTemplateUpdate pushes fresh work to every session when the
// coordinator activates a new template for this coin
func (s *Server) onTemplateUpdate(msg bus.TemplateUpdate) {
	if msg.Coin != s.coin.Name {
		return
	}
	s.BroadcastJobs()
}

// onHashFactorUpdate re-issues jobs so sessions re-run the algorithm
// selection against the rescored template
func (s *Server) onHashFactorUpdate(msg bus.HashFactorUpdate) {
	if msg.Coin != s.coin.Name {
		return
	}
	util.Infof("Hash factor for %s/%s now %.3f, rebroadcasting jobs", msg.Coin, msg.Algo, msg.Factor)
	s.BroadcastJobs()
}

// BroadcastJobs issues a new job to every connected session
func (s *Server) BroadcastJobs() {
	var pushed int
	s.sessions.Range(func(key, value interface{}) bool {
		session := value.(*Session)
		if reply, err := s.buildJob(session); err == nil {
			s.notify(session, "job", reply)
			pushed++
		}
		return true
	})
	util.Debugf("Pushed new %s job to %d sessions", s.coin.Name, pushed)
}

// acceptLoop handles incoming connections
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				util.Warnf("Accept error: %v", err)
				continue
			}
		}

		ip := extractIP(conn.RemoteAddr().String())

		if s.policy != nil {
			if s.policy.IsBanned(ip) {
				util.Debugf("Rejected banned IP: %s", ip)
				conn.Close()
				continue
			}
			if !s.policy.ApplyConnectionLimit(ip) {
				util.Debugf("Connection limit exceeded for IP: %s", ip)
				conn.Close()
				continue
			}
			if !s.policy.ApplyConnectionScore(ip) {
				conn.Close()
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn processes one raw connection. A bare HTTP GET gets a
// static health page; everything else is treated as the miner
// protocol.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	ip := extractIP(conn.RemoteAddr().String())
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	reader := newLineReader(conn, MaxRequestBuffer)

	head, err := reader.Peek(4)
	if err != nil {
		conn.Close()
		return
	}
	if string(head) == "GET " {
		s.serveHealthPage(conn)
		return
	}

	session := &Session{
		ID:         newSessionID(),
		conn:       conn,
		reader:     reader.Reader,
		remoteAddr: conn.RemoteAddr().String(),
		lastBeat:   time.Now().Unix(),
	}
	defer func() {
		conn.Close()
		if _, loaded := s.sessions.LoadAndDelete(session.ID); loaded {
			s.minerDisconnected()
		}
		util.Debugf("Session %s disconnected: %s", shortID(session.ID), session.remoteAddr)
	}()

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		line, tooLong, err := reader.ReadLine()
		if err != nil {
			return
		}

		if tooLong {
			util.Warnf("Session %s (%s): request too large (flood detected)", shortID(session.ID), ip)
			if s.policy != nil {
				s.policy.BanIP(ip, "request flood")
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if s.policy != nil {
				if !s.policy.ApplyMalformedPolicy(ip) {
					util.Warnf("Session %s (%s): banned for malformed requests", shortID(session.ID), ip)
					return
				}
			}
			s.sendError(session, nil, -32700, "Parse error")
			continue
		}

		s.handleRequest(session, &req, ip)
	}
}

// handleRequest dispatches one protocol request
func (s *Server) handleRequest(session *Session, req *rpcRequest, ip string) {
	switch req.Method {
	case "login":
		s.handleLogin(session, req, ip)
	case "getjob":
		s.handleGetJob(session, req)
	case "submit":
		s.handleSubmit(session, req, ip)
	case "keepalived":
		s.handleKeepalived(session, req)
	default:
		s.sendError(session, req.ID, -32601, "Method not found")
	}
}

// handleLogin authenticates a session and returns its first job
func (s *Server) handleLogin(session *Session, req *rpcRequest, ip string) {
	var params loginParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(session, req.ID, -1, "Invalid params")
		return
	}

	if s.policy != nil && !s.policy.ApplyAuthScore(ip) {
		s.sendError(session, req.ID, -1, msgThrottled)
		return
	}

	login := params.Login
	poolType := ledger.PoolTypePPLNS
	if strings.HasPrefix(login, "solo:") {
		poolType = ledger.PoolTypeSolo
		login = login[len("solo:"):]
	}

	identity, err := parseLogin(login, params.Pass, s.cfg.Payments.AllowBitcoin)
	if err != nil {
		s.sendError(session, req.ID, -1, err.Error())
		return
	}
	identity.PoolType = poolType

	if s.policy != nil && !s.policy.ApplyLoginPolicy(identity.Address, ip) {
		s.sendError(session, req.ID, -1, "Address blocked")
		return
	}

	session.mu.Lock()
	session.Identity = identity
	session.proxy = strings.Contains(strings.ToLower(params.Agent), "proxy")
	session.currentAlgo = pow.Algo(s.coin.Algo)
	session.lastSwitch = time.Now()
	session.ring = jobs.NewRing(s.cfg.Mining.JobRingSize)
	session.mu.Unlock()

	initial := s.cfg.Mining.DefaultDifficulty
	fixed := false
	if identity.FixedDiff > 0 {
		initial = identity.FixedDiff
		fixed = true
	}
	session.diff = jobs.NewDifficultyController(&s.cfg.Mining, initial, fixed, session.proxy)

	if len(params.AlgoPerf) > 0 {
		session.setAlgoPerf(params.AlgoPerf)
	}

	reply, err := s.buildJob(session)
	if err != nil {
		s.sendError(session, req.ID, -1, err.Error())
		return
	}

	s.sessions.Store(session.ID, session)
	s.minerConnected()

	util.Infof("Session %s authorized: %s.%s from %s (agent %q)",
		shortID(session.ID), shortWallet(identity.Address), identity.Worker, ip, params.Agent)

	s.sendResult(session, req.ID, &loginReply{
		ID:     session.ID,
		Job:    reply,
		Status: "OK",
	})
}

// handleGetJob refreshes the heartbeat and returns fresh work
func (s *Server) handleGetJob(session *Session, req *rpcRequest) {
	if !s.authed(session, req) {
		return
	}
	session.touch()

	var params getjobParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}

	// Proxies renegotiate their performance table mid-session when
	// workers behind them come and go
	if len(params.AlgoPerf) > 0 {
		session.setAlgoPerf(params.AlgoPerf)
	}

	reply, err := s.buildJob(session)
	if err != nil {
		s.sendError(session, req.ID, -1, err.Error())
		return
	}
	s.sendResult(session, req.ID, reply)
}

// handleKeepalived refreshes the heartbeat only
func (s *Server) handleKeepalived(session *Session, req *rpcRequest) {
	if !s.authed(session, req) {
		return
	}
	session.touch()
	s.sendResult(session, req.ID, &statusReply{Status: "KEEPALIVED"})
}

// handleSubmit validates one proof-of-work submission
func (s *Server) handleSubmit(session *Session, req *rpcRequest, ip string) {
	if !s.authed(session, req) {
		return
	}
	session.touch()

	var params submitParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(session, req.ID, -1, "Invalid params")
		return
	}

	session.mu.Lock()
	job, err := session.ring.Get(params.JobID)
	session.mu.Unlock()
	if err != nil {
		s.rejectShare(session, req.ID, ip, msgInvalidJobID)
		return
	}

	if !util.ValidateNonce(params.Nonce) {
		s.rejectShare(session, req.ID, ip, msgMalformedNonce)
		return
	}
	if !job.MarkNonce(params.Nonce) {
		s.rejectShare(session, req.ID, ip, msgDuplicateShare)
		return
	}

	now := time.Now()
	rewardedDiff, err := s.engine.RewardedDifficulty(job, now)
	if err != nil {
		msg := msgBlockExpired
		if errors.Is(err, jobs.ErrOutdatedTemplate) {
			msg = msgBlockOutdated
		}
		s.rejectShare(session, req.ID, ip, msg)
		return
	}

	nonceBytes, _ := hex.DecodeString(params.Nonce)
	blob := pow.SetNonce(job.Blob, nonceBytes)

	var claimed []byte
	if util.ValidateHash(params.Result) {
		claimed, _ = hex.DecodeString(params.Result)
	}

	result := s.verifier.Verify(session.Identity.Address, job.Algo, blob, claimed,
		job.Difficulty, job.Template.Difficulty, job.Height)
	switch result.Outcome {
	case verify.OutcomeThrottled:
		s.countShare(session, job, bus.ShareThrottled)
		s.sendError(session, req.ID, -1, msgThrottled)
		return
	case verify.OutcomeBadHash, verify.OutcomeLowDifficulty:
		s.rejectShare(session, req.ID, ip, msgLowDifficulty)
		return
	}

	atomic.AddUint64(&session.validShares, 1)
	session.diff.AddShare(job.Difficulty)
	session.diff.Retarget(now)

	if s.policy != nil {
		s.policy.ApplySharePolicy(ip, true)
	}

	share := &ledger.Share{
		Address:             session.Identity.Address,
		PaymentID:           session.Identity.PaymentID,
		Worker:              session.Identity.Worker,
		Algo:                string(job.Algo),
		PoolType:            session.Identity.PoolType,
		Difficulty:          job.Difficulty,
		RewardedDifficulty:  rewardedDiff,
		RewardedDifficulty2: uint64(float64(rewardedDiff) * job.HashFactor),
		ShareCount:          1,
		BlockDifficulty:     job.Template.Difficulty,
		Height:              job.Height,
		Bitcoin:             session.Identity.Bitcoin,
		Trusted:             result.Outcome == verify.OutcomeTrusted,
		Timestamp:           now.Unix(),
	}

	if result.Outcome == verify.OutcomeTrusted {
		s.countShare(session, job, bus.ShareTrusted)
	} else {
		s.countShare(session, job, bus.ShareNormal)
	}

	// Block check: the verifier fully rechecks any claimed hash at block
	// difficulty instead of taking it on trust, so every candidate here
	// carries a recomputed hash.
	if result.Outcome == verify.OutcomeVerified && result.ActualDifficulty >= job.Template.Difficulty && s.onBlock != nil {
		candidate := &BlockCandidate{
			Coin:            s.coin.Name,
			Algo:            job.Algo,
			BlobHex:         util.BytesToHex(blob),
			Hash:            util.BytesToHex(result.Hash),
			Height:          job.Height,
			Difficulty:      job.Template.Difficulty,
			ShareDifficulty: result.ActualDifficulty,
			Finder:          session.Identity.Address,
			Worker:          session.Identity.Worker,
			PoolType:        session.Identity.PoolType,
		}
		if err := s.onBlock(candidate); err != nil {
			util.Warnf("Block submission rejected for %s at height %d: %v",
				shortWallet(session.Identity.Address), job.Height, err)
			s.verifier.ReportBlockRejected(session.Identity.Address, job.Height)
			s.rejectShare(session, req.ID, ip, msgLowDifficulty)
			return
		}
		share.FoundBlock = true
		util.Infof("Block found at height %d by %s.%s (diff %d)",
			job.Height, shortWallet(session.Identity.Address), session.Identity.Worker, result.ActualDifficulty)
	}

	if s.onShare != nil {
		s.onShare(share)
	}

	s.sendResult(session, req.ID, &statusReply{Status: "OK"})
}

// countShare publishes one share outcome for the live counters
func (s *Server) countShare(session *Session, job *jobs.Job, outcome string) {
	if s.events == nil {
		return
	}
	sc := bus.ShareCount{Coin: s.coin.Name, Algo: s.coin.Algo, Outcome: outcome}
	if session.Identity != nil {
		sc.Wallet = session.Identity.Address
	}
	if job != nil {
		sc.Algo = string(job.Algo)
		sc.Difficulty = job.Difficulty
	}
	s.events.Publish(bus.TopicShareCounted, sc)
}

// rejectShare counts one invalid share against the session and its IP
func (s *Server) rejectShare(session *Session, id json.RawMessage, ip, message string) {
	atomic.AddUint64(&session.invalidShares, 1)

	outcome := bus.ShareInvalid
	if message == msgBlockExpired || message == msgBlockOutdated {
		outcome = bus.ShareOutdated
	}
	s.countShare(session, nil, outcome)

	if s.policy != nil {
		s.policy.ApplyInvalidShareScore(ip)
		if !s.policy.ApplySharePolicy(ip, false) {
			util.Warnf("Session %s (%s): banned for invalid share ratio", shortID(session.ID), ip)
			s.sendError(session, id, -1, message)
			session.conn.Close()
			return
		}
	}

	s.sendError(session, id, -1, message)
}

// buildJob issues a fresh job for a session, picking its best algo and
// applying any queued difficulty change
func (s *Server) buildJob(session *Session) (*jobReply, error) {
	session.mu.Lock()
	algo := session.currentAlgo
	perf := session.algoPerf
	lastSwitch := session.lastSwitch
	session.mu.Unlock()

	if len(perf) > 0 {
		best := s.engine.SelectBestAlgo(session.perfTable(), algo, pow.Algo(s.coin.Algo), lastSwitch)
		if best != algo {
			session.mu.Lock()
			session.currentAlgo = best
			session.lastSwitch = time.Now()
			session.mu.Unlock()
			if s.events != nil {
				s.events.Publish(bus.TopicAlgoSwitched, bus.AlgoSwitch{
					Port: s.coin.Port,
					From: string(algo),
					To:   string(best),
				})
			}
			algo = best
		}
	}

	difficulty, _ := session.diff.ConsumePending()

	job, err := s.engine.NextJob(algo, difficulty)
	if err != nil {
		return nil, err
	}

	session.mu.Lock()
	session.ring.Put(job)
	session.mu.Unlock()

	return &jobReply{
		Blob:     util.BytesToHex(job.Blob),
		JobID:    job.ID,
		Target:   job.Target,
		Height:   job.Height,
		Algo:     string(job.Algo),
		SeedHash: job.Template.SeedHash,
	}, nil
}

// authed rejects requests from sessions that never logged in
func (s *Server) authed(session *Session, req *rpcRequest) bool {
	session.mu.Lock()
	ok := session.Identity != nil
	session.mu.Unlock()
	if !ok {
		s.sendError(session, req.ID, -1, msgUnauthenticated)
	}
	return ok
}

// sweepLoop removes sessions whose heartbeat expired
func (s *Server) sweepLoop() {
	defer s.wg.Done()

	interval := s.cfg.Stratum.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.sweepSessions()
		}
	}
}

func (s *Server) sweepSessions() {
	timeout := s.cfg.Stratum.SessionTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	cutoff := time.Now().Add(-timeout)

	var removed int
	s.sessions.Range(func(key, value interface{}) bool {
		session := value.(*Session)
		if session.idleSince().Before(cutoff) {
			session.conn.Close()
			removed++
		}
		return true
	})

	if removed > 0 {
		util.Debugf("Swept %d idle sessions on %s", removed, s.coin.Name)
	}
}

// serveHealthPage answers a bare HTTP GET on the stratum port
func (s *Server) serveHealthPage(conn net.Conn) {
	defer conn.Close()

	body := fmt.Sprintf("%s mining port for %s\n", s.cfg.Pool.Name, s.coin.Name)
	fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
}

func (s *Server) minerConnected() {
	n := atomic.AddInt64(&s.minerCount, 1)
	if s.events != nil {
		s.events.Publish(bus.TopicMinerCount, s.coin.Port, n)
	}
}

func (s *Server) minerDisconnected() {
	n := atomic.AddInt64(&s.minerCount, -1)
	if s.events != nil {
		s.events.Publish(bus.TopicMinerCount, s.coin.Port, n)
	}
}

// SessionCount returns the number of authenticated sessions
func (s *Server) SessionCount() int {
	count := 0
	s.sessions.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

// notify pushes a server-initiated message to one session
func (s *Server) notify(session *Session, method string, params interface{}) {
	s.write(session, &rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
}

// sendResult sends a success response
func (s *Server) sendResult(session *Session, id json.RawMessage, result interface{}) {
	s.write(session, &rpcResponse{ID: id, JSONRPC: "2.0", Result: result})
}

// sendError sends an error response
func (s *Server) sendError(session *Session, id json.RawMessage, code int, message string) {
	s.write(session, &rpcResponse{ID: id, JSONRPC: "2.0", Error: &rpcError{Code: code, Message: message}})
}

// write serializes one message onto the session socket
func (s *Server) write(session *Session, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	session.writeMu.Lock()
	defer session.writeMu.Unlock()

	session.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	session.conn.Write(append(data, '\n'))
}

// extractIP extracts the IP address from a remote address string
func extractIP(remoteAddr string) string {
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		ip := remoteAddr[:idx]
		ip = strings.TrimPrefix(ip, "[")
		ip = strings.TrimSuffix(ip, "]")
		return ip
	}
	return remoteAddr
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortWallet(addr string) string {
	if len(addr) > 12 {
		return addr[:12]
	}
	return addr
}

func hostOnly(bind string) string {
	if idx := strings.LastIndex(bind, ":"); idx != -1 {
		return bind[:idx]
	}
	return bind
}
