// Package balancer implements the front-end datagram forwarder. Nodes
// announce themselves with a "register:<ip:port>" datagram; anything else is
// a client command, forwarded round-robin to a registered node. The node's
// reply is relayed back to the client that sent the command.
//
// The balancer keeps no protocol state beyond the registration list and the
// address of the client whose request is in flight; it never inspects or
// rewrites the frames it forwards.
package balancer

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"paxos-kvstore/internal/protocol"
)

var registerPrefix = []byte("register:")

// Balancer is the UDP forwarder.
type Balancer struct {
	addr   protocol.Address
	conn   *net.UDPConn
	logger *zap.Logger

	mu         sync.RWMutex
	nodes      []*net.UDPAddr
	registered map[string]bool
	next       int

	// client that sent the request currently being routed; replies from
	// registered nodes are relayed here.
	client *net.UDPAddr

	running atomic.Bool
}

// New binds the balancer socket.
func New(addr protocol.Address, logger *zap.Logger) (*Balancer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("balancer: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("balancer: bind %s: %w", addr, err)
	}
	return &Balancer{
		addr:       addr,
		conn:       conn,
		logger:     logger,
		registered: make(map[string]bool),
	}, nil
}

// Run drives the forwarding loop until Stop is called.
func (b *Balancer) Run() error {
	b.running.Store(true)
	b.logger.Info("balancer listening", zap.String("addr", b.addr.String()))

	buf := make([]byte, 64*1024)
	for b.running.Load() {
		size, src, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if !b.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			b.logger.Warn("receive failed", zap.Error(err))
			continue
		}
		data := make([]byte, size)
		copy(data, buf[:size])
		b.route(src, data)
	}
	return nil
}

// Stop clears the running flag and closes the socket.
func (b *Balancer) Stop() {
	b.running.Store(false)
	b.conn.Close()
}

// Nodes returns the registered node addresses.
func (b *Balancer) Nodes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.nodes))
	for _, n := range b.nodes {
		out = append(out, n.String())
	}
	return out
}

func (b *Balancer) route(src *net.UDPAddr, data []byte) {
	if bytes.HasPrefix(data, registerPrefix) {
		b.register(string(data[len(registerPrefix):]))
		return
	}

	b.mu.RLock()
	fromNode := b.registered[src.String()]
	b.mu.RUnlock()

	if fromNode {
		// Reply from a node: relay to the client whose request is in flight.
		if b.client == nil {
			b.logger.Warn("node reply with no client in flight", zap.Stringer("src", src))
			return
		}
		if _, err := b.conn.WriteToUDP(data, b.client); err != nil {
			b.logger.Warn("relay to client failed", zap.Error(err))
		}
		return
	}

	// Client datagram: forward to the next registered node.
	b.mu.RLock()
	var target *net.UDPAddr
	if len(b.nodes) > 0 {
		target = b.nodes[b.next%len(b.nodes)]
	}
	b.mu.RUnlock()
	if target == nil {
		b.logger.Warn("client request with no registered nodes", zap.Stringer("src", src))
		return
	}
	b.next++
	b.client = src
	if _, err := b.conn.WriteToUDP(data, target); err != nil {
		b.logger.Warn("forward to node failed",
			zap.Stringer("node", target), zap.Error(err))
	}
}

func (b *Balancer) register(addr string) {
	parsed, err := protocol.ParseAddress(addr)
	if err != nil {
		b.logger.Warn("invalid node registration", zap.String("addr", addr), zap.Error(err))
		return
	}
	canonical := parsed.String()
	udpAddr, err := net.ResolveUDPAddr("udp", canonical)
	if err != nil {
		b.logger.Warn("resolve registered node failed", zap.String("addr", canonical), zap.Error(err))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.registered[canonical] {
		return
	}
	b.registered[canonical] = true
	b.nodes = append(b.nodes, udpAddr)
	b.logger.Info("node registered", zap.String("addr", canonical), zap.Int("nodes", len(b.nodes)))
}
