package cluster

import (
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"paxos-kvstore/internal/protocol"
)

// ErrNoValue is returned by recovery when this node's WAL holds no record
// for the key: without an own shard there is nothing to reconstruct from.
var ErrNoValue = errors.New("cluster: no value in write-ahead log")

// recoverFromCluster reconstructs the value for key from the cluster's
// shards: this node's own WAL shard plus peer shards gathered by fan-out.
// As soon as k positions are filled the collection stops; the window is
// bounded by the ack timeout regardless. The reconstructed value is the
// padded payload (trailing zero bytes included); it is cached in the
// in-memory map and returned.
//
// Recovery assumes erasure-coded shards: roster position i holds shard i.
func (n *Node) recoverFromCluster(key string) (string, error) {
	own, found, err := n.store.WAL().Get(key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNoValue
	}

	total := n.coder.TotalShards()
	shards := make([][]byte, total)
	have := 0
	if index := n.ClusterIndex(); index >= 0 && index < total {
		shards[index] = own
		have++
	}

	roster := n.roster.Snapshot()
	n.collectShards(roster, key, shards, &have)

	if err := n.coder.Reconstruct(shards); err != nil {
		return "", err
	}
	value := string(n.coder.Join(shards))
	n.store.Set(key, value)
	n.logger.Info("recovered value from cluster",
		zap.String("key", key), zap.Int("shards", have))
	return value, nil
}

// collectShards fans RecoveryRequest out to every other roster member and
// gathers RecoveryReply frames into shards by their carried index, stopping
// once k positions are present or the window expires. Replies are positional
// so reordering is harmless; frames of other variants in the window are
// dropped.
func (n *Node) collectShards(roster []string, key string, shards [][]byte, have *int) {
	self := n.cfg.Addr.String()
	peers := 0
	for _, member := range roster {
		if member == self {
			continue
		}
		n.send(protocol.Message{Type: protocol.MsgRecoveryRequest, Key: key}, member)
		peers++
	}
	if peers == 0 {
		return
	}

	need := n.coder.DataShards()
	deadline := time.Now().Add(n.cfg.AckTimeout)
	buf := make([]byte, 64*1024)
	for *have < need {
		n.conn.SetReadDeadline(deadline)
		size, src, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		m, err := protocol.UnmarshalMessage(buf[:size])
		if err != nil || m.Type != protocol.MsgRecoveryReply {
			n.logger.Debug("dropping frame inside recovery window", zap.Stringer("src", src))
			continue
		}
		index := int(m.Index)
		if index < 0 || index >= len(shards) || len(m.Payload) == 0 {
			continue
		}
		// A shard whose length differs from those already held cannot come
		// from the same encoding; treat it as missing.
		mismatched := false
		for _, s := range shards {
			if s != nil && len(s) != len(m.Payload) {
				mismatched = true
				break
			}
		}
		if mismatched {
			n.logger.Debug("dropping recovery shard of mismatched size", zap.Stringer("src", src))
			continue
		}
		if shards[index] == nil {
			shards[index] = m.Payload
			*have++
		}
	}
	n.conn.SetReadDeadline(time.Time{})
}

// handleRecoveryRequest serves this node's shard for key out of its WAL.
// Nothing is sent when the WAL has no record. A WAL read failure is fatal.
func (n *Node) handleRecoveryRequest(src *net.UDPAddr, key string) error {
	value, found, err := n.store.WAL().Get(key)
	if err != nil {
		return err
	}
	if !found {
		n.logger.Info("no shard for recovery request",
			zap.String("key", key), zap.Stringer("src", src))
		return nil
	}
	n.send(protocol.Message{
		Type:    protocol.MsgRecoveryReply,
		Index:   uint64(n.ClusterIndex()),
		Payload: value,
	}, src.String())
	return nil
}
