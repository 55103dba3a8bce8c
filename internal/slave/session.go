package slave

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/krypton-pool/krypton-pool/internal/jobs"
	"github.com/krypton-pool/krypton-pool/internal/ledger"
	"github.com/krypton-pool/krypton-pool/internal/pow"
	"github.com/krypton-pool/krypton-pool/internal/util"
)

var (
	errBadAddress   = errors.New("invalid payout address")
	errBadPaymentID = errors.New("invalid payment id")
	errBadFixedDiff = errors.New("invalid fixed difficulty")
	errBtcDisabled  = errors.New("bitcoin payouts not enabled on this pool")
)

// Identity is the parsed miner login
type Identity struct {
	Address   string
	PaymentID string
	Worker    string
	Email     string
	FixedDiff uint64
	Bitcoin   bool
	PoolType  ledger.PoolType
}

// parseLogin splits the login field into address, optional payment ID
// and optional fixed difficulty: address[.paymentID][+fixedDiff]. The
// password field carries worker[:email]. A bitcoin-format address asks
// for a cross-chain payout and needs pool permission.
func parseLogin(login, pass string, allowBitcoin bool) (*Identity, error) {
	id := &Identity{Worker: "default"}

	if plus := strings.LastIndexByte(login, '+'); plus != -1 {
		diff, err := strconv.ParseUint(login[plus+1:], 10, 64)
		if err != nil || diff == 0 {
			return nil, errBadFixedDiff
		}
		id.FixedDiff = diff
		login = login[:plus]
	}

	if dot := strings.IndexByte(login, '.'); dot != -1 {
		id.PaymentID = login[dot+1:]
		login = login[:dot]
		if !util.ValidatePaymentID(id.PaymentID) {
			return nil, errBadPaymentID
		}
	}

	switch {
	case util.ValidateAddress(login):
	case util.ValidateBitcoinAddress(login):
		if !allowBitcoin {
			return nil, errBtcDisabled
		}
		if id.PaymentID != "" {
			return nil, errBadPaymentID
		}
		id.Bitcoin = true
	default:
		return nil, errBadAddress
	}
	id.Address = login

	// Integrated addresses already embed a payment ID
	if util.IsIntegratedAddress(login) && id.PaymentID != "" {
		return nil, errBadPaymentID
	}

	if pass != "" && pass != "x" {
		if colon := strings.IndexByte(pass, ':'); colon != -1 {
			id.Worker = pass[:colon]
			id.Email = pass[colon+1:]
		} else {
			id.Worker = pass
		}
		if id.Worker == "" {
			id.Worker = "default"
		}
	}

	return id, nil
}

// Session is one authenticated miner connection
type Session struct {
	ID       string
	Identity *Identity

	conn   net.Conn
	reader *bufio.Reader

	// Algorithm negotiation
	algoPerf    map[pow.Algo]float64
	currentAlgo pow.Algo
	lastSwitch  time.Time

	// Work state
	ring *jobs.Ring
	diff *jobs.DifficultyController

	// Liveness
	lastBeat   int64 // unix
	remoteAddr string
	proxy      bool

	// Stats
	validShares   uint64
	invalidShares uint64

	writeMu sync.Mutex
	mu      sync.Mutex
}

// newSessionID returns an unguessable session token
func newSessionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b[:])
}

// touch refreshes the session heartbeat
func (s *Session) touch() {
	s.mu.Lock()
	s.lastBeat = time.Now().Unix()
	s.mu.Unlock()
}

// idleSince reports the last heartbeat
func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Unix(s.lastBeat, 0)
}

// setAlgoPerf replaces the session's declared algorithm performance
// table, keeping only algorithms the pool knows
func (s *Session) setAlgoPerf(perf map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.algoPerf = make(map[pow.Algo]float64, len(perf))
	for name, rate := range perf {
		algo, err := pow.ParseAlgo(name)
		if err != nil || rate <= 0 {
			continue
		}
		s.algoPerf[algo] = rate
	}
}

// perfTable returns a copy of the declared performance table
func (s *Session) perfTable() map[pow.Algo]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[pow.Algo]float64, len(s.algoPerf))
	for a, r := range s.algoPerf {
		out[a] = r
	}
	return out
}
