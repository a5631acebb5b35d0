package cluster

import (
	"errors"

	"go.uber.org/zap"

	"paxos-kvstore/internal/erasure"
	"paxos-kvstore/internal/protocol"
)

// Reply message vocabulary.
const (
	msgHandledByLeader   = "Request is handled by leader"
	msgHandledByFollower = "Request is handled by follower"
	msgBroadcastOK       = "Leader broadcasted the message successfully"
	msgAcceptNoMajority  = "Accept broadcast is not accepted by majority"
	msgPrepareNoMajority = "Request broadcast is not accepted by majority"
	resultRequestFailed  = "Request failed."
)

// leaderHandleClientOperation sequences one client operation.
//
// Writes (SET/DEL) run the two-phase commit: a prepare broadcast gated by
// majority acks, then local apply + own-shard persistence, then the accept
// broadcast carrying per-follower shards. request_id advances exactly once
// per successful prepare, whatever the accept outcome. Reads and pings are
// served locally with no broadcast and no request_id movement; a GET that
// misses the cache goes through cluster recovery.
//
// The outcome is always reported to the load balancer as the three-line
// status frame.
func (n *Node) leaderHandleClientOperation(op protocol.Operation) error {
	initialID := n.requestID.Load()
	roster := n.roster.Snapshot()
	majority := len(roster)/2 + 1

	var result, message string

	switch {
	case op.Type.Mutates():
		acks := n.broadcastPrepare(roster)
		if acks < majority {
			result = resultRequestFailed
			message = msgPrepareNoMajority
			n.logger.Warn("prepare rejected",
				zap.Int("acks", acks), zap.Int("majority", majority))
			break
		}

		result = n.store.ProcessRequest(op)

		if n.cfg.ECActive {
			shards, err := n.coder.Encode(op.KV.Value)
			if err != nil {
				// Nothing durable happened yet; report accept failure.
				n.logger.Error("encode failed", zap.String("key", op.KV.Key), zap.Error(err))
				message = msgAcceptNoMajority
				n.requestID.Add(1)
				break
			}
			// The leader's own shard must be durable before any accept
			// leaves this node.
			own := protocol.Operation{
				Type: op.Type,
				KV:   protocol.BinKV{Key: op.KV.Key, Value: shards[n.ClusterIndex()]},
			}
			if err := n.store.Persist(own); err != nil {
				return err
			}
			acks = n.broadcastAcceptEC(roster, op, shards)
		} else {
			acks = n.broadcastAcceptReplication(roster, op)
		}

		if n.acceptReached(acks, majority) {
			message = msgBroadcastOK
		} else {
			message = msgAcceptNoMajority
			n.logger.Warn("accept rejected",
				zap.Int("acks", acks), zap.Int("majority", majority))
		}
		n.requestID.Add(1)

	case op.Type == protocol.OpGet:
		message = msgHandledByLeader
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

	default:
		// PING and BAD.
		message = msgHandledByLeader
		result = n.store.ProcessRequest(op)
	}

	n.sendRaw(formatReply(initialID, message, result), n.cfg.Balancer.String())
	return nil
}

// broadcastPrepare sends LeaderRequest to every other roster member and
// counts acks against the round window. The leader counts itself.
func (n *Node) broadcastPrepare(roster []string) int {
	peers := n.peersOnly(roster)
	for _, peer := range peers {
		n.send(protocol.Message{
			Type:      protocol.MsgLeaderRequest,
			RequestID: n.requestID.Load(),
		}, peer)
	}
	return 1 + n.collectAcks(len(peers))
}

// broadcastAcceptEC sends each roster member the shard at its own index.
// Shard assignment is positional: roster index i holds shards[i].
func (n *Node) broadcastAcceptEC(roster []string, op protocol.Operation, shards [][]byte) int {
	self := n.cfg.Addr.String()
	sent := 0
	for index, member := range roster {
		if member == self {
			continue
		}
		if index >= len(shards) {
			n.logger.Warn("roster larger than shard set, skipping member",
				zap.String("member", member), zap.Int("index", index))
			continue
		}
		n.send(protocol.Message{
			Type:      protocol.MsgLeaderAccepted,
			RequestID: n.requestID.Load(),
			Operation: protocol.Operation{
				Type: op.Type,
				KV:   protocol.BinKV{Key: op.KV.Key, Value: shards[index]},
			},
		}, member)
		sent++
	}
	return 1 + n.collectAcks(sent)
}

// broadcastAcceptReplication sends the unmodified operation to every other
// roster member (full-value replication mode).
func (n *Node) broadcastAcceptReplication(roster []string, op protocol.Operation) int {
	peers := n.peersOnly(roster)
	for _, peer := range peers {
		n.send(protocol.Message{
			Type:      protocol.MsgLeaderAccepted,
			RequestID: n.requestID.Load(),
			Operation: op,
		}, peer)
	}
	return 1 + n.collectAcks(len(peers))
}

// acceptReached applies the accept threshold: the historical behavior is a
// strict majority excess; AcceptStrict=false relaxes it to >=.
func (n *Node) acceptReached(acks, majority int) bool {
	if n.cfg.AcceptStrict {
		return acks > majority
	}
	return acks >= majority
}

// leaderHandleFollowerRegister appends the follower, then fans the new
// roster out to every member so they replace their copies. Each recipient is
// expected to ack within the round window; the leader counts itself as one
// implicit ack.
func (n *Node) leaderHandleFollowerRegister(followerAddr string) {
	index := n.roster.Append(followerAddr)
	n.logger.Info("follower registered",
		zap.String("follower", followerAddr), zap.Int("index", index))

	roster := n.roster.Snapshot()
	acks := n.broadcastMembership(roster, index)
	n.logger.Info("membership broadcast finished",
		zap.Int("acks", acks), zap.Int("members", len(roster)))
}

// broadcastMembership sends FollowerRegisterReply{roster, index} to every
// other roster member, where index is the newest member's position.
func (n *Node) broadcastMembership(roster []string, index int) int {
	peers := n.peersOnly(roster)
	for _, peer := range peers {
		n.send(protocol.Message{
			Type:   protocol.MsgFollowerRegisterReply,
			Roster: roster,
			Index:  uint64(index),
		}, peer)
	}
	return 1 + n.collectAcks(len(peers))
}

// peersOnly filters this node's own address out of a roster snapshot.
func (n *Node) peersOnly(roster []string) []string {
	self := n.cfg.Addr.String()
	peers := make([]string, 0, len(roster))
	for _, member := range roster {
		if member != self {
			peers = append(peers, member)
		}
	}
	return peers
}
