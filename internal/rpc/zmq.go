package rpc

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/krypton-pool/krypton-pool/internal/util"
)

// BlockNotifier listens on the daemon's ZMQ publisher for new-block
// notifications so the template refresh loop does not have to poll. The
// poll loop stays as a fallback for daemons without ZMQ enabled.
type BlockNotifier struct {
	socket   *zmq.Socket
	endpoint string
	coin     string
}

// NewBlockNotifier creates a ZMQ subscriber for a coin's daemon
func NewBlockNotifier(coin, endpoint string) (*BlockNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	return &BlockNotifier{
		socket:   socket,
		endpoint: endpoint,
		coin:     coin,
	}, nil
}

// Connect connects to the endpoint and subscribes to block hashes
func (n *BlockNotifier) Connect() error {
	if err := n.socket.SetSubscribe("hashblock"); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := n.socket.Connect(n.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", n.endpoint, err)
	}
	util.Infof("ZMQ block notifier for %s connected to %s", n.coin, n.endpoint)
	return nil
}

// Listen receives notifications until the context is cancelled, invoking
// onBlock with the new chain tip hash
func (n *BlockNotifier) Listen(ctx context.Context, onBlock func(blockHash string)) error {
	for {
		select {
		case <-ctx.Done():
			util.Infof("ZMQ block notifier for %s stopping", n.coin)
			return ctx.Err()
		default:
		}

		msg, err := n.socket.RecvMessageBytes(zmq.DONTWAIT)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(11) { // EAGAIN, nothing queued
				time.Sleep(50 * time.Millisecond)
				continue
			}
			util.Warnf("ZMQ receive error for %s: %v", n.coin, err)
			time.Sleep(time.Second)
			continue
		}

		if len(msg) < 2 {
			util.Warnf("Malformed ZMQ message for %s: %d parts", n.coin, len(msg))
			continue
		}

		topic := string(msg[0])
		if topic != "hashblock" {
			continue
		}
		if len(msg[1]) != 32 {
			util.Warnf("Invalid block hash length from ZMQ: %d", len(msg[1]))
			continue
		}

		blockHash := hex.EncodeToString(msg[1])
		util.Debugf("ZMQ new block for %s: %s", n.coin, blockHash)
		onBlock(blockHash)
	}
}

// Close closes the ZMQ socket
func (n *BlockNotifier) Close() error {
	if n.socket != nil {
		return n.socket.Close()
	}
	return nil
}
