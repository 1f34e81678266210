package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Relay.SendBuffer = 64
	return cfg
}

// drain 取出队列中已有的全部消息（不阻塞）
func drain(t *testing.T, c *ClientConn) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				return out
			}
			var env Envelope
			require.NoError(t, json.Unmarshal(b, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func contentOf[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Content, &v))
	return v
}

func cmds(envs []Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Cmd)
	}
	return out
}

func playerIDs(players []Player) []PlayerID {
	out := make([]PlayerID, 0, len(players))
	for _, p := range players {
		out = append(out, p.ID)
	}
	return out
}

func joinTest(t *testing.T, h *Hub) (*Session, *ClientConn) {
	t.Helper()
	c := NewClientConn(nil, h.cfg.SendBuffer)
	s, err := h.join(c)
	require.NoError(t, err)
	return s, c
}

func TestHub_JoinOnboardingOrder(t *testing.T) {
	h := NewHub(testConfig())
	s, c := joinTest(t, h)

	msgs := drain(t, c)
	require.Equal(t, []string{CmdJoinedServer, CmdSpawnLocalPlayer, CmdSpawnNetworkPlayers}, cmds(msgs))

	welcome := contentOf[joinedServerPayload](t, msgs[0])
	assert.Equal(t, s.ID(), welcome.UUID)

	local := contentOf[spawnPlayerPayload](t, msgs[1])
	assert.Equal(t, s.ID(), local.Player.ID)
	assert.Equal(t, 0.0, local.Player.X)

	snap := contentOf[spawnPlayersPayload](t, msgs[2])
	assert.Empty(t, snap.Players)

	assert.Equal(t, StateOnboarded, s.State())
	assert.Equal(t, 1, h.Registry().Len())
	assert.Equal(t, 1, h.ConnectionCount())
}

func TestHub_SnapshotAndSpawnNotifications(t *testing.T) {
	h := NewHub(testConfig())

	s1, c1 := joinTest(t, h)
	drain(t, c1)

	s2, c2 := joinTest(t, h)
	msgs2 := drain(t, c2)
	require.Len(t, msgs2, 3)
	snap := contentOf[spawnPlayersPayload](t, msgs2[2])
	assert.Equal(t, []PlayerID{s1.ID()}, playerIDs(snap.Players), "P2 sees P1 only")

	got1 := drain(t, c1)
	require.Equal(t, []string{CmdSpawnNewPlayer}, cmds(got1))
	assert.Equal(t, s2.ID(), contentOf[spawnPlayerPayload](t, got1[0]).Player.ID)

	s3, c3 := joinTest(t, h)
	snap3 := contentOf[spawnPlayersPayload](t, drain(t, c3)[2])
	assert.Equal(t, []PlayerID{s1.ID(), s2.ID()}, playerIDs(snap3.Players))

	for _, c := range []*ClientConn{c1, c2} {
		got := drain(t, c)
		require.Equal(t, []string{CmdSpawnNewPlayer}, cmds(got))
		assert.Equal(t, s3.ID(), contentOf[spawnPlayerPayload](t, got[0]).Player.ID)
	}
}

func TestHub_SnapshotIncludesSelfWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Relay.SnapshotIncludesSelf = true
	h := NewHub(cfg)

	s1, c1 := joinTest(t, h)
	snap := contentOf[spawnPlayersPayload](t, drain(t, c1)[2])
	assert.Equal(t, []PlayerID{s1.ID()}, playerIDs(snap.Players))
}

func TestHub_LeaveNotifiesRemainingOnce(t *testing.T) {
	h := NewHub(testConfig())
	_, c1 := joinTest(t, h)
	s2, c2 := joinTest(t, h)
	_, c3 := joinTest(t, h)
	drain(t, c1)
	drain(t, c2)
	drain(t, c3)

	h.leave(s2)

	assert.Equal(t, StateClosed, s2.State())
	_, ok := h.Registry().Get(s2.ID())
	assert.False(t, ok)
	assert.NotContains(t, playerIDs(h.Registry().GetAll()), s2.ID())
	assert.Equal(t, 2, h.ConnectionCount())

	for _, c := range []*ClientConn{c1, c3} {
		got := drain(t, c)
		require.Equal(t, []string{CmdPlayerDisconnected}, cmds(got))
		assert.Equal(t, s2.ID(), contentOf[disconnectedPayload](t, got[0]).UUID)
	}

	// 离开者的发送队列已关闭
	assert.False(t, c2.Enqueue([]byte("x")))
}

func TestHub_BroadcastSkipsFullAndClosedPeers(t *testing.T) {
	h := NewHub(testConfig())
	_, c1 := joinTest(t, h)
	s2, c2 := joinTest(t, h)
	_, c3 := joinTest(t, h)
	drain(t, c1)
	drain(t, c3)

	// c2 的队列塞满，c3 被关闭但仍在集合中
	for c2.Enqueue([]byte("{}")) {
	}
	c3.Close()

	n := h.Broadcast(NewChatMessage(ChatEvent{Msg: "hi"}), AllPeers)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{CmdNewChatMessage}, cmds(drain(t, c1)))
	assert.Equal(t, int64(2), h.Metrics().SendsDropped)

	n = h.Broadcast(NewChatMessage(ChatEvent{Msg: "again"}), ExceptPeer(s2.ID()))
	assert.Equal(t, 1, n)
}

func TestHub_DuplicateIdentityIsRejected(t *testing.T) {
	h := NewHub(testConfig())
	h.newID = func() PlayerID { return "fixed" }

	_, _ = joinTest(t, h)
	_, err := h.join(NewClientConn(nil, 4))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateIdentity))
	assert.Equal(t, 1, h.Registry().Len())
	assert.Equal(t, 1, h.ConnectionCount())
}

func TestHub_ShutdownWaitsForLeave(t *testing.T) {
	h := NewHub(testConfig())
	s1, c1 := joinTest(t, h)
	drain(t, c1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- h.Shutdown(ctx) }()

	require.Eventually(t, func() bool { return !c1.Enqueue([]byte("x")) }, time.Second, time.Millisecond)
	_, err := h.join(NewClientConn(nil, 4))
	assert.True(t, errors.Is(err, ErrHubClosed))

	select {
	case err := <-result:
		t.Fatalf("shutdown returned before the session left: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	h.leave(s1)
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not return after the session left")
	}
	assert.Equal(t, StateClosed, s1.State())
	assert.Equal(t, 0, h.Registry().Len())
}

func TestHub_ShutdownGivesUpAtDeadline(t *testing.T) {
	h := NewHub(testConfig())
	_, c1 := joinTest(t, h)
	drain(t, c1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Shutdown(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, c1.Enqueue([]byte("x")))
}

func TestHub_MinimumSendBufferKeepsOnboarding(t *testing.T) {
	cfg := testConfig()
	cfg.Relay.SendBuffer = 1
	h := NewHub(cfg)

	s1, c1 := joinTest(t, h)
	assert.Equal(t, onboardingMessages, cap(c1.send))
	assert.Equal(t, []string{CmdJoinedServer, CmdSpawnLocalPlayer, CmdSpawnNetworkPlayers}, cmds(drain(t, c1)))

	_, c2 := joinTest(t, h)
	msgs := drain(t, c2)
	require.Equal(t, []string{CmdJoinedServer, CmdSpawnLocalPlayer, CmdSpawnNetworkPlayers}, cmds(msgs))
	assert.Equal(t, []PlayerID{s1.ID()}, playerIDs(contentOf[spawnPlayersPayload](t, msgs[2]).Players))
	assert.Equal(t, []string{CmdSpawnNewPlayer}, cmds(drain(t, c1)))
	assert.Equal(t, int64(0), h.Metrics().Snapshot()["sends_dropped"])
}

// 并发入场、离场与广播：新玩家对每个在场玩家恰好得知一次，断开通知只针对已见过的玩家
func TestHub_ConcurrentJoinLeaveBroadcast(t *testing.T) {
	const (
		joiners      = 40
		broadcasters = 4
		chats        = 100
	)
	cfg := testConfig()
	cfg.Relay.SendBuffer = 4096
	h := NewHub(cfg)

	// newID 在入场锁内调用，此刻的注册表内容就是新玩家入场时的在场集合
	var (
		mu      sync.Mutex
		present = make(map[PlayerID][]PlayerID)
		next    int
	)
	h.newID = func() PlayerID {
		mu.Lock()
		defer mu.Unlock()
		next++
		id := PlayerID(fmt.Sprintf("p%03d", next))
		present[id] = playerIDs(h.Registry().GetAll())
		return id
	}

	start := make(chan struct{})
	var (
		wg     sync.WaitGroup
		connMu sync.Mutex
		conns  = make(map[PlayerID]*ClientConn)
	)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c := NewClientConn(nil, cfg.Relay.SendBuffer)
			s, err := h.join(c)
			if !assert.NoError(t, err) {
				return
			}
			connMu.Lock()
			conns[s.ID()] = c
			connMu.Unlock()
			runtime.Gosched()
			h.leave(s)
		}()
	}
	for i := 0; i < broadcasters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			for j := 0; j < chats; j++ {
				h.Broadcast(NewChatMessage(ChatEvent{Msg: fmt.Sprintf("b%d-%d", n, j)}), AllPeers)
				runtime.Gosched()
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Len(t, conns, joiners)
	assert.Equal(t, 0, h.Registry().Len())
	assert.Equal(t, 0, h.ConnectionCount())

	for id, c := range conns {
		msgs := drain(t, c)
		require.GreaterOrEqual(t, len(msgs), onboardingMessages, "player %s", id)
		require.Equal(t, []string{CmdJoinedServer, CmdSpawnLocalPlayer, CmdSpawnNetworkPlayers}, cmds(msgs[:3]), "player %s", id)

		snap := playerIDs(contentOf[spawnPlayersPayload](t, msgs[2]).Players)
		assert.ElementsMatch(t, present[id], snap, "player %s snapshot", id)

		seen := make(map[PlayerID]bool)
		gone := make(map[PlayerID]bool)
		for _, p := range snap {
			assert.False(t, seen[p], "player %s saw %s twice in snapshot", id, p)
			seen[p] = true
		}
		for _, m := range msgs[3:] {
			switch m.Cmd {
			case CmdSpawnNewPlayer:
				p := contentOf[spawnPlayerPayload](t, m).Player.ID
				assert.NotEqual(t, id, p, "player %s told about itself", id)
				assert.False(t, seen[p], "player %s saw %s twice", id, p)
				seen[p] = true
			case CmdPlayerDisconnected:
				p := contentOf[disconnectedPayload](t, m).UUID
				assert.True(t, seen[p], "player %s got disconnect for unseen %s", id, p)
				assert.False(t, gone[p], "player %s got disconnect for %s twice", id, p)
				gone[p] = true
			case CmdNewChatMessage:
			default:
				t.Errorf("player %s got unexpected %s", id, m.Cmd)
			}
		}
	}
}

func TestSession_HandleFrameSurvivesBadInput(t *testing.T) {
	h := NewHub(testConfig())
	s1, c1 := joinTest(t, h)
	_, c2 := joinTest(t, h)
	drain(t, c1)
	drain(t, c2)
	s1.setState(StateActive)

	s1.handleFrame([]byte("not json"))
	s1.handleFrame([]byte(`{"cmd":"teleport","content":{}}`))
	s1.handleFrame([]byte(`{"cmd":"position","content":{"x":"far"}}`))
	s1.handleFrame([]byte(`{"cmd":"position","content":{"x":5,"y":7,"anim":"run","flip":true}}`))

	m := h.Metrics()
	assert.Equal(t, int64(4), m.FramesReceived)
	assert.Equal(t, int64(2), m.MalformedFrames)
	assert.Equal(t, int64(1), m.UnknownCommands)
	assert.Equal(t, StateActive, s1.State())

	assert.Empty(t, drain(t, c1), "position is not echoed to the sender")
	got := drain(t, c2)
	require.Equal(t, []string{CmdUpdatePosition}, cmds(got))
	assert.Equal(t, updatePositionPayload{UUID: s1.ID(), X: 5, Y: 7, Anim: ptr("run"), Flip: ptr(true)},
		contentOf[updatePositionPayload](t, got[0]))
}

func TestSession_StateOnlyMovesForward(t *testing.T) {
	s := newSession("p1", nil, nil)
	assert.Equal(t, StateConnecting, s.State())
	assert.True(t, s.setState(StateOnboarded))
	assert.True(t, s.setState(StateActive))
	assert.False(t, s.setState(StateOnboarded))
	assert.False(t, s.setState(StateActive))
	assert.True(t, s.setState(StateClosing))
	assert.True(t, s.setState(StateClosed))
	assert.Equal(t, "closed", s.State().String())
}
