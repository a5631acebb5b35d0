package cluster

import (
	"errors"
	"net"

	"go.uber.org/zap"

	"paxos-kvstore/internal/erasure"
	"paxos-kvstore/internal/protocol"
)

// fromLeader checks the source of a leader-only frame against the configured
// leader address. Frames from anyone else are unauthorized and dropped.
func (n *Node) fromLeader(src *net.UDPAddr) bool {
	return src.String() == n.cfg.Leader.String()
}

// followerHandleLeaderRequest acks a prepare. Any positive ack commits this
// follower to accepting the slot; there is no promise state beyond the ack.
func (n *Node) followerHandleLeaderRequest(src *net.UDPAddr, requestID uint64) {
	if !n.fromLeader(src) {
		n.logger.Warn("leader request from non-leader, dropping", zap.Stringer("src", src))
		return
	}
	n.send(protocol.Message{
		Type:      protocol.MsgFollowerAck,
		RequestID: requestID,
	}, n.cfg.Leader.String())
}

// followerHandleLeaderAccepted persists the carried shard (or full value in
// replication mode), adopts the leader's request_id, evicts any stale cache
// entry for the key so the next read goes through the WAL, and acks.
// A WAL failure is fatal to the node.
func (n *Node) followerHandleLeaderAccepted(src *net.UDPAddr, m protocol.Message) error {
	if !n.fromLeader(src) {
		n.logger.Warn("leader accepted from non-leader, dropping", zap.Stringer("src", src))
		return nil
	}

	n.requestID.Store(m.RequestID)
	if err := n.store.Persist(m.Operation); err != nil {
		return err
	}
	n.store.Remove(m.Operation.KV.Key)

	n.send(protocol.Message{
		Type:      protocol.MsgFollowerAck,
		RequestID: m.RequestID,
	}, n.cfg.Leader.String())
	return nil
}

// followerHandleClientOperation serves reads and pings locally and forwards
// writes to the leader verbatim. The reply for a locally served operation
// goes back to the original sender.
func (n *Node) followerHandleClientOperation(src *net.UDPAddr, op protocol.Operation, payload []byte) error {
	if op.Type.Mutates() {
		n.send(protocol.Message{
			Type:      protocol.MsgClientRequest,
			RequestID: n.requestID.Load(),
			Payload:   payload,
		}, n.cfg.Leader.String())
		n.logger.Info("forwarded write to leader",
			zap.String("key", op.KV.Key), zap.Stringer("src", src))
		return nil
	}

	var result string
	if op.Type == protocol.OpGet {
		value := n.store.Get(op.KV.Key)
		if value == "" {
			var err error
			value, err = n.recoverFromCluster(op.KV.Key)
			switch {
			case errors.Is(err, ErrNoValue):
				n.logger.Info("no value found", zap.String("key", op.KV.Key))
			case errors.Is(err, erasure.ErrInsufficientShards):
				n.logger.Warn("recovery failed", zap.String("key", op.KV.Key), zap.Error(err))
			case err != nil:
				return err
			}
		}
		result = renderValue(value)
	} else {
		result = n.store.ProcessRequest(op)
	}

	n.sendRaw(formatReply(n.requestID.Load(), msgHandledByFollower, result), src.String())
	return nil
}

// followerHandleRegisterReply replaces the local roster with the leader's
// copy. The assigned index is adopted only while still unassigned; later
// broadcasts never move a follower's position.
func (n *Node) followerHandleRegisterReply(src *net.UDPAddr, m protocol.Message) {
	if !n.fromLeader(src) {
		n.logger.Warn("register reply from non-leader, dropping", zap.Stringer("src", src))
		return
	}

	n.roster.Replace(m.Roster)
	if n.clusterIndex.Load() == noIndex {
		n.clusterIndex.Store(int64(m.Index))
		n.logger.Info("assigned cluster index", zap.Uint64("index", m.Index))
	}

	n.send(protocol.Message{
		Type:      protocol.MsgFollowerAck,
		RequestID: uint64(n.clusterIndex.Load()),
	}, n.cfg.Leader.String())
}
