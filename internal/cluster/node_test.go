package cluster

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paxos-kvstore/internal/erasure"
	"paxos-kvstore/internal/protocol"
	"paxos-kvstore/internal/store"
)

const testAckTimeout = 300 * time.Millisecond

// listenSock binds a loopback UDP socket the test reads directly (balancer
// stand-in, client stand-in, rogue peer).
func listenSock(t *testing.T) (*net.UDPConn, protocol.Address) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, protocol.NewAddress("127.0.0.1", uint16(conn.LocalAddr().(*net.UDPAddr).Port))
}

// reserveAddr picks a loopback port that nothing will listen on.
func reserveAddr(t *testing.T) protocol.Address {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := protocol.NewAddress("127.0.0.1", uint16(conn.LocalAddr().(*net.UDPAddr).Port))
	conn.Close()
	return addr
}

func startNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = testAckTimeout
	}
	if cfg.DataShards == 0 {
		cfg.DataShards = 2
		cfg.ParityShards = 1
	}
	if cfg.WALDir == "" {
		cfg.WALDir = t.TempDir()
	}
	node, err := NewNode(cfg, zap.NewNop())
	require.NoError(t, err)
	go node.Run()
	t.Cleanup(node.Stop)
	return node
}

func sendText(t *testing.T, conn *net.UDPConn, to protocol.Address, text string) {
	t.Helper()
	dst, err := net.ResolveUDPAddr("udp", to.String())
	require.NoError(t, err)
	_, err = conn.WriteToUDP([]byte(text), dst)
	require.NoError(t, err)
}

func sendFrame(t *testing.T, conn *net.UDPConn, to protocol.Address, m protocol.Message) {
	t.Helper()
	dst, err := net.ResolveUDPAddr("udp", to.String())
	require.NoError(t, err)
	_, err = conn.WriteToUDP(m.Marshal(), dst)
	require.NoError(t, err)
}

// readStatusReply reads datagrams until the three-line status frame arrives,
// skipping registration strings and stray frames.
func readStatusReply(t *testing.T, conn *net.UDPConn) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	buf := make([]byte, 64*1024)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		size, _, err := conn.ReadFromUDP(buf)
		require.NoError(t, err, "timed out waiting for status reply")
		reply := string(buf[:size])
		if strings.HasPrefix(reply, "Request ID:") {
			return reply
		}
	}
}

// settle waits out any fan-out collection window still open on a peer, so
// the next frame a test sends is not consumed and dropped inside it.
func settle() {
	time.Sleep(2 * testAckTimeout)
}

func waitIndex(t *testing.T, node *Node, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return node.ClusterIndex() == want
	}, 5*time.Second, 20*time.Millisecond)
}

func waitRosterLen(t *testing.T, node *Node, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(node.RosterSnapshot()) == want
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLeaderSingleNodeSetGet(t *testing.T) {
	lb, lbAddr := listenSock(t)
	leaderAddr := reserveAddr(t)

	startNode(t, Config{
		Role:     RoleLeader,
		Addr:     leaderAddr,
		Leader:   leaderAddr,
		Balancer: lbAddr,
		ECActive: true,
		// A lone leader can never strictly exceed its own majority of 1.
		AcceptStrict: false,
	})

	client, _ := listenSock(t)
	sendText(t, client, leaderAddr, "SET foo hello")

	reply := readStatusReply(t, lb)
	assert.Contains(t, reply, "Request ID: 0")
	assert.Contains(t, reply, "Leader broadcasted the message successfully")
	assert.Contains(t, reply, "Reply: OK")

	sendText(t, client, leaderAddr, "GET foo")
	reply = readStatusReply(t, lb)
	assert.Contains(t, reply, "Request is handled by leader")
	assert.Contains(t, reply, "Reply: hello")

	sendText(t, client, leaderAddr, "PING")
	reply = readStatusReply(t, lb)
	assert.Contains(t, reply, "Reply: PONG")
	// Reads and pings never advance the request counter.
	assert.Contains(t, reply, "Request ID: 1")
}

func TestMembershipFanout(t *testing.T) {
	lb, lbAddr := listenSock(t)
	_ = lb
	leaderAddr := reserveAddr(t)
	f1Addr := reserveAddr(t)
	f2Addr := reserveAddr(t)

	leader := startNode(t, Config{
		Role: RoleLeader, Addr: leaderAddr, Leader: leaderAddr, Balancer: lbAddr,
		ECActive: true,
	})
	require.Equal(t, 0, leader.ClusterIndex())
	require.Equal(t, []string{leaderAddr.String()}, leader.RosterSnapshot())

	f1 := startNode(t, Config{
		Role: RoleFollower, Addr: f1Addr, Leader: leaderAddr, Balancer: lbAddr,
		ECActive: true,
	})
	waitIndex(t, f1, 1)
	waitRosterLen(t, f1, 2)
	settle()

	f2 := startNode(t, Config{
		Role: RoleFollower, Addr: f2Addr, Leader: leaderAddr, Balancer: lbAddr,
		ECActive: true,
	})
	waitIndex(t, f2, 2)
	waitRosterLen(t, f2, 3)

	// F1 replaced its roster wholesale but kept its assigned position.
	waitRosterLen(t, f1, 3)
	assert.Equal(t, 1, f1.ClusterIndex())
	assert.Equal(t, []string{leaderAddr.String(), f1Addr.String(), f2Addr.String()},
		f1.RosterSnapshot())
	waitRosterLen(t, leader, 3)
}

func TestClusterEndToEnd(t *testing.T) {
	lb, lbAddr := listenSock(t)
	leaderAddr := reserveAddr(t)
	f1Addr := reserveAddr(t)
	f2Addr := reserveAddr(t)
	walDir := t.TempDir()

	base := Config{
		Leader: leaderAddr, Balancer: lbAddr,
		WALDir: walDir, DataShards: 2, ParityShards: 1,
		ECActive: true, AcceptStrict: true, AckTimeout: testAckTimeout,
	}

	leaderCfg := base
	leaderCfg.Role, leaderCfg.Addr = RoleLeader, leaderAddr
	startNode(t, leaderCfg)

	f1Cfg := base
	f1Cfg.Role, f1Cfg.Addr = RoleFollower, f1Addr
	f1 := startNode(t, f1Cfg)
	waitIndex(t, f1, 1)
	settle()

	f2Cfg := base
	f2Cfg.Role, f2Cfg.Addr = RoleFollower, f2Addr
	f2 := startNode(t, f2Cfg)
	waitIndex(t, f2, 2)
	waitRosterLen(t, f1, 3)
	settle()

	client, _ := listenSock(t)

	t.Run("write distributes shards by roster position", func(t *testing.T) {
		sendText(t, client, leaderAddr, "SET bar world")

		reply := readStatusReply(t, lb)
		assert.Contains(t, reply, "Request ID: 0")
		assert.Contains(t, reply, "Leader broadcasted the message successfully")
		assert.Contains(t, reply, "Reply: OK")

		coder, err := erasure.New(2, 1)
		require.NoError(t, err)
		shards, err := coder.Encode([]byte("world"))
		require.NoError(t, err)

		addrs := []protocol.Address{leaderAddr, f1Addr, f2Addr}
		for i, addr := range addrs {
			wal := store.NewWAL(filepath.Join(walDir, addr.WALFileName()), zap.NewNop())
			value, found, err := wal.Get("bar")
			require.NoError(t, err, "node %d", i)
			require.True(t, found, "node %d", i)
			assert.Equal(t, shards[i], value, "node %d holds shard %d", i, i)
		}
	})

	t.Run("follower read reconstructs from shards", func(t *testing.T) {
		sendText(t, client, f1Addr, "GET bar")

		reply := readStatusReply(t, client)
		assert.Contains(t, reply, "Request is handled by follower")
		assert.Contains(t, reply, "Reply: world")
		assert.NotContains(t, reply, "world\x00")
	})

	t.Run("follower serves ping locally", func(t *testing.T) {
		sendText(t, client, f2Addr, "PING")
		reply := readStatusReply(t, client)
		assert.Contains(t, reply, "Reply: PONG")
	})

	t.Run("follower forwards writes to the leader", func(t *testing.T) {
		sendText(t, client, f1Addr, "SET baz stone")

		reply := readStatusReply(t, lb)
		assert.Contains(t, reply, "Request ID: 1")
		assert.Contains(t, reply, "Leader broadcasted the message successfully")
		assert.Contains(t, reply, "Reply: OK")
	})

	t.Run("delete replicates and nullifies", func(t *testing.T) {
		sendText(t, client, leaderAddr, "DEL bar")
		reply := readStatusReply(t, lb)
		assert.Contains(t, reply, "Reply: OK")

		for _, addr := range []protocol.Address{f1Addr, f2Addr} {
			wal := store.NewWAL(filepath.Join(walDir, addr.WALFileName()), zap.NewNop())
			require.Eventually(t, func() bool {
				_, found, err := wal.Get("bar")
				return err == nil && !found
			}, 5*time.Second, 20*time.Millisecond, "node %s", addr)
		}
	})
}

func TestReplicationMode(t *testing.T) {
	lb, lbAddr := listenSock(t)
	leaderAddr := reserveAddr(t)
	f1Addr := reserveAddr(t)
	walDir := t.TempDir()

	leaderCfg := Config{
		Role: RoleLeader, Addr: leaderAddr, Leader: leaderAddr, Balancer: lbAddr,
		WALDir: walDir, ECActive: false, AcceptStrict: false,
	}
	startNode(t, leaderCfg)

	f1 := startNode(t, Config{
		Role: RoleFollower, Addr: f1Addr, Leader: leaderAddr, Balancer: lbAddr,
		WALDir: walDir, ECActive: false,
	})
	waitIndex(t, f1, 1)
	settle()

	client, _ := listenSock(t)
	sendText(t, client, leaderAddr, "SET foo hello")

	reply := readStatusReply(t, lb)
	assert.Contains(t, reply, "Reply: OK")

	// Replication mode carries the full value to followers; the leader does
	// not persist its own copy.
	f1WAL := store.NewWAL(filepath.Join(walDir, f1Addr.WALFileName()), zap.NewNop())
	require.Eventually(t, func() bool {
		value, found, err := f1WAL.Get("foo")
		return err == nil && found && string(value) == "hello"
	}, 5*time.Second, 20*time.Millisecond)

	leaderWAL := store.NewWAL(filepath.Join(walDir, leaderAddr.WALFileName()), zap.NewNop())
	_, found, err := leaderWAL.Get("foo")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestQuorumFailure(t *testing.T) {
	lb, lbAddr := listenSock(t)
	leaderAddr := reserveAddr(t)
	f1Addr := reserveAddr(t)

	leader := startNode(t, Config{
		Role: RoleLeader, Addr: leaderAddr, Leader: leaderAddr, Balancer: lbAddr,
		ECActive: true, AcceptStrict: true, AckTimeout: 150 * time.Millisecond,
	})

	f1 := startNode(t, Config{
		Role: RoleFollower, Addr: f1Addr, Leader: leaderAddr, Balancer: lbAddr,
		ECActive: true, AckTimeout: 150 * time.Millisecond,
	})
	waitIndex(t, f1, 1)
	time.Sleep(300 * time.Millisecond)

	// Three more followers join and immediately go dark.
	rogue, _ := listenSock(t)
	for i := 0; i < 3; i++ {
		dead := reserveAddr(t)
		sendFrame(t, rogue, leaderAddr, protocol.Message{
			Type:         protocol.MsgFollowerRegisterRequest,
			FollowerAddr: dead.String(),
		})
		waitRosterLen(t, leader, 3+i)
		// Outlive the membership broadcast window before the next frame so
		// it is not consumed inside an ack collection.
		time.Sleep(300 * time.Millisecond)
	}
	waitRosterLen(t, leader, 5)

	client, _ := listenSock(t)
	sendText(t, client, leaderAddr, "SET foo hello")

	// Majority of 5 is 3; only the leader and F1 answer prepare.
	reply := readStatusReply(t, lb)
	assert.Contains(t, reply, "Request ID: 0")
	assert.Contains(t, reply, "Request broadcast is not accepted by majority")
	assert.Contains(t, reply, "Reply: Request failed.")

	// The failed prepare must not advance the request counter.
	sendText(t, client, leaderAddr, "SET foo again")
	reply = readStatusReply(t, lb)
	assert.Contains(t, reply, "Request ID: 0")
	assert.Equal(t, uint64(0), leader.RequestID())
}

func TestNonLeaderAcceptRejected(t *testing.T) {
	_, lbAddr := listenSock(t)
	followerAddr := reserveAddr(t)
	leaderAddr := reserveAddr(t) // nobody listens here
	walDir := t.TempDir()

	follower := startNode(t, Config{
		Role: RoleFollower, Addr: followerAddr, Leader: leaderAddr, Balancer: lbAddr,
		WALDir: walDir, ECActive: true,
	})

	rogue, _ := listenSock(t)
	sendFrame(t, rogue, followerAddr, protocol.Message{
		Type:      protocol.MsgLeaderAccepted,
		RequestID: 5,
		Operation: protocol.Operation{
			Type: protocol.OpSet,
			KV:   protocol.BinKV{Key: "foo", Value: []byte("evil")},
		},
	})

	// Nothing observable may happen: no ack, no WAL record, no id adoption.
	buf := make([]byte, 1024)
	rogue.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := rogue.ReadFromUDP(buf)
	assert.Error(t, err, "rogue must not receive an ack")

	_, statErr := os.Stat(filepath.Join(walDir, followerAddr.WALFileName()))
	assert.True(t, os.IsNotExist(statErr), "no WAL record may be written")
	assert.Equal(t, uint64(0), follower.RequestID())
}

func TestFollowerAdoptsLeaderRequestID(t *testing.T) {
	lb, lbAddr := listenSock(t)
	leaderAddr := reserveAddr(t)
	f1Addr := reserveAddr(t)

	startNode(t, Config{
		Role: RoleLeader, Addr: leaderAddr, Leader: leaderAddr, Balancer: lbAddr,
		ECActive: true, AcceptStrict: true,
	})
	f1 := startNode(t, Config{
		Role: RoleFollower, Addr: f1Addr, Leader: leaderAddr, Balancer: lbAddr,
		ECActive: true,
	})
	waitIndex(t, f1, 1)
	settle()

	client, _ := listenSock(t)
	sendText(t, client, leaderAddr, "SET foo hello")
	readStatusReply(t, lb)
	sendText(t, client, leaderAddr, "SET foo again")
	readStatusReply(t, lb)

	// The second accept carries the incremented slot number, which the
	// follower adopts wholesale.
	require.Eventually(t, func() bool {
		return f1.RequestID() == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "", f1.CachedGet("foo"), "accept must evict, not materialize")
}
