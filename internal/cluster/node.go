// Package cluster implements the per-node replication state machine: the
// leader/follower roles, the Prepare → Accept commit protocol over UDP, the
// membership roster, and read-time shard recovery.
//
// A node owns one datagram socket and drives a single receive loop. Each
// inbound frame is dispatched to a role-specific handler which runs to
// completion before the next frame is taken. Handlers that fan out (prepare,
// accept, membership, recovery) send all outbound frames first and then
// collect replies from the same socket under one deadline window, so exactly
// one reader is ever blocked on the socket.
package cluster

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"paxos-kvstore/internal/erasure"
	"paxos-kvstore/internal/protocol"
	"paxos-kvstore/internal/store"
)

// Role selects the node's side of the replication protocol.
type Role int

const (
	RoleFollower Role = iota
	RoleLeader
)

func (r Role) String() string {
	if r == RoleLeader {
		return "Leader"
	}
	return "Follower"
}

// noIndex marks a follower that has not yet been assigned a roster position.
const noIndex = -1

// DefaultAckTimeout bounds every fan-out collection window.
const DefaultAckTimeout = 2 * time.Second

// Config carries everything a node needs to join the cluster. The leader
// identity is static configuration: there is no election, and a leader crash
// stalls mutations until it is restarted at the same address.
type Config struct {
	Role     Role
	Addr     protocol.Address
	Leader   protocol.Address
	Balancer protocol.Address

	// WALDir is the directory holding this node's log file, named ip..port.
	WALDir string

	// DataShards (k) and ParityShards (m) size the erasure code. ECActive
	// false selects full-value replication instead of shard fan-out.
	DataShards   int
	ParityShards int
	ECActive     bool

	// AcceptStrict keeps the historical accept threshold: acks must strictly
	// exceed the majority. False relaxes it to >= majority.
	AcceptStrict bool

	// AckTimeout is the collection window for every fan-out round.
	// Defaults to DefaultAckTimeout.
	AckTimeout time.Duration
}

// Node is one cluster member. All protocol state is mutated only from the
// receive loop; counters read by the HTTP status API are atomics.
type Node struct {
	cfg    Config
	conn   *net.UDPConn
	roster *Roster
	store  *store.Store
	coder  *erasure.Coder
	logger *zap.Logger

	requestID    atomic.Uint64
	clusterIndex atomic.Int64
	running      atomic.Bool
}

// NewNode binds the node's socket and wires its store and erasure coder.
// A leader seeds the roster with its own address at position 0 before any
// join can be accepted, so shard indexing never desynchronizes.
func NewNode(cfg Config, logger *zap.Logger) (*Node, error) {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.WALDir == "" {
		cfg.WALDir = "./log"
	}

	coder, err := erasure.New(cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.Addr.String())
	if err != nil {
		return nil, fmt.Errorf("cluster: resolve %s: %w", cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: bind %s: %w", cfg.Addr, err)
	}

	n := &Node{
		cfg:    cfg,
		conn:   conn,
		roster: NewRoster(),
		store:  store.New(filepath.Join(cfg.WALDir, cfg.Addr.WALFileName()), logger),
		coder:  coder,
		logger: logger,
	}
	n.clusterIndex.Store(noIndex)

	if cfg.Role == RoleLeader {
		index := n.roster.Append(cfg.Addr.String())
		n.clusterIndex.Store(int64(index))
	}
	return n, nil
}

// Accessors used by the HTTP status API.

func (n *Node) Role() Role                 { return n.cfg.Role }
func (n *Node) Addr() protocol.Address     { return n.cfg.Addr }
func (n *Node) LeaderAddr() protocol.Address { return n.cfg.Leader }
func (n *Node) RequestID() uint64          { return n.requestID.Load() }
func (n *Node) ClusterIndex() int          { return int(n.clusterIndex.Load()) }
func (n *Node) RosterSnapshot() []string   { return n.roster.Snapshot() }
func (n *Node) CachedKeys() []string       { return n.store.Keys() }
func (n *Node) CachedGet(key string) string { return n.store.Get(key) }

// Run registers the node with the balancer (and, for a follower, with the
// leader) and then drives the receive loop until Stop is called. Storage
// failures abort the loop; every other failure is logged and the loop
// continues.
func (n *Node) Run() error {
	n.running.Store(true)
	n.logger.Info("node starting",
		zap.String("role", n.cfg.Role.String()),
		zap.String("addr", n.cfg.Addr.String()),
		zap.String("leader", n.cfg.Leader.String()),
		zap.String("balancer", n.cfg.Balancer.String()))

	n.registerWithBalancer()
	if n.cfg.Role == RoleFollower {
		n.registerWithLeader()
	}

	buf := make([]byte, 64*1024)
	for n.running.Load() {
		n.conn.SetReadDeadline(time.Time{})
		size, src, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			if !n.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			n.logger.Warn("receive failed", zap.Error(err))
			continue
		}
		data := make([]byte, size)
		copy(data, buf[:size])

		if err := n.dispatch(src, data); err != nil {
			n.conn.Close()
			return fmt.Errorf("cluster: node %s aborting: %w", n.cfg.Addr, err)
		}
	}
	return nil
}

// Stop clears the running flag and closes the socket to unblock the loop.
func (n *Node) Stop() {
	n.running.Store(false)
	n.conn.Close()
}

// dispatch routes one inbound datagram. A datagram that does not decode as a
// frame is the raw text of a client command forwarded by the balancer and is
// handled as a client request. A returned error is fatal to the node.
func (n *Node) dispatch(src *net.UDPAddr, data []byte) error {
	m, err := protocol.UnmarshalMessage(data)
	if err != nil {
		return n.handleClientRequest(src, data)
	}

	switch m.Type {
	case protocol.MsgLeaderRequest:
		if n.cfg.Role == RoleFollower {
			n.followerHandleLeaderRequest(src, m.RequestID)
		}
	case protocol.MsgLeaderAccepted:
		if n.cfg.Role == RoleFollower {
			return n.followerHandleLeaderAccepted(src, m)
		}
	case protocol.MsgClientRequest:
		return n.handleClientRequest(src, m.Payload)
	case protocol.MsgFollowerAck:
		// Acks are consumed inside fan-out collection windows; one arriving
		// here is a straggler from an expired round.
		n.logger.Debug("stray follower ack",
			zap.Uint64("request_id", m.RequestID), zap.Stringer("src", src))
	case protocol.MsgFollowerRegisterRequest:
		if n.cfg.Role == RoleLeader {
			n.leaderHandleFollowerRegister(m.FollowerAddr)
		} else {
			n.logger.Warn("follower register request sent to non-leader", zap.Stringer("src", src))
		}
	case protocol.MsgFollowerRegisterReply:
		if n.cfg.Role == RoleFollower {
			n.followerHandleRegisterReply(src, m)
		}
	case protocol.MsgRecoveryRequest:
		return n.handleRecoveryRequest(src, m.Key)
	case protocol.MsgRecoveryReply:
		n.logger.Debug("stray recovery reply",
			zap.Uint64("index", m.Index), zap.Stringer("src", src))
	}
	return nil
}

// handleClientRequest parses the raw command and hands it to the role's
// client path. Undecodable (non-UTF-8 or empty) payloads are dropped.
func (n *Node) handleClientRequest(src *net.UDPAddr, payload []byte) error {
	op, ok := protocol.ParseOperation(payload)
	if !ok {
		n.logger.Warn("dropping unparseable client payload", zap.Stringer("src", src))
		return nil
	}
	if n.cfg.Role == RoleLeader {
		return n.leaderHandleClientOperation(op)
	}
	return n.followerHandleClientOperation(src, op, payload)
}

// send marshals and sends one frame to addr. Transport errors are logged
// and swallowed: a peer we cannot reach is a silent peer for this round.
func (n *Node) send(m protocol.Message, addr string) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		n.logger.Warn("resolve peer failed", zap.String("peer", addr), zap.Error(err))
		return
	}
	if _, err := n.conn.WriteToUDP(m.Marshal(), udpAddr); err != nil {
		n.logger.Warn("send failed",
			zap.Stringer("type", m.Type), zap.String("peer", addr), zap.Error(err))
	}
}

// sendRaw sends an unframed datagram (client replies, balancer registration).
func (n *Node) sendRaw(payload []byte, addr string) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		n.logger.Warn("resolve peer failed", zap.String("peer", addr), zap.Error(err))
		return
	}
	if _, err := n.conn.WriteToUDP(payload, udpAddr); err != nil {
		n.logger.Warn("send failed", zap.String("peer", addr), zap.Error(err))
	}
}

// registerWithBalancer announces this node to the load balancer, retrying
// every 2 seconds until the send goes through.
func (n *Node) registerWithBalancer() {
	payload := []byte("register:" + n.cfg.Addr.String())
	lb, err := net.ResolveUDPAddr("udp", n.cfg.Balancer.String())
	if err != nil {
		n.logger.Warn("resolve balancer failed", zap.Error(err))
		return
	}
	for {
		_, err := n.conn.WriteToUDP(payload, lb)
		if err == nil {
			n.logger.Info("registered with balancer", zap.String("balancer", n.cfg.Balancer.String()))
			return
		}
		n.logger.Warn("balancer registration failed, retrying", zap.Error(err))
		time.Sleep(2 * time.Second)
	}
}

// registerWithLeader sends this follower's join intent.
func (n *Node) registerWithLeader() {
	n.send(protocol.Message{
		Type:         protocol.MsgFollowerRegisterRequest,
		FollowerAddr: n.cfg.Addr.String(),
	}, n.cfg.Leader.String())
	n.logger.Info("registered with leader", zap.String("leader", n.cfg.Leader.String()))
}

// collectAcks reads the node socket until expect FollowerAck frames arrived
// or the round window expired. Frames of other variants inside the window
// are logged and dropped; ack matching is by variant only.
func (n *Node) collectAcks(expect int) int {
	if expect <= 0 {
		return 0
	}
	acks := 0
	deadline := time.Now().Add(n.cfg.AckTimeout)
	buf := make([]byte, 64*1024)
	for acks < expect {
		n.conn.SetReadDeadline(deadline)
		size, src, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		m, err := protocol.UnmarshalMessage(buf[:size])
		if err != nil || m.Type != protocol.MsgFollowerAck {
			n.logger.Debug("dropping frame inside ack window", zap.Stringer("src", src))
			continue
		}
		acks++
	}
	n.conn.SetReadDeadline(time.Time{})
	return acks
}

// formatReply renders the three-line status returned to the load balancer.
// Trailing zero padding from erasure reconstruction is trimmed here, at the
// client-visible boundary; the core keeps the padded form.
func formatReply(requestID uint64, message, result string) []byte {
	result = strings.TrimRight(strings.TrimRight(result, "\n"), "\x00")
	if result != "" {
		result += "\n"
	}
	return []byte(fmt.Sprintf("Request ID: %d\nMessage: %s\nReply: %s.", requestID, message, result))
}

// renderValue turns a materialized value into the store's reply line form.
func renderValue(value string) string {
	if value == "" {
		return ""
	}
	return value + "\n"
}
