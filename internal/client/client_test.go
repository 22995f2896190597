package client

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatsec/internal/config"
	"chatsec/internal/e2ee"
	"chatsec/internal/models"
	"chatsec/internal/utils"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bus is an in-process transport shared by test clients.
type bus struct {
	mu          sync.Mutex
	subs        map[int64][]subscriber
	delivered   []*models.Comment
	holdNotices bool
	held        []*busHeld
}

type busHeld struct {
	port *busPort
	c    *models.Comment
}

type subscriber struct {
	email  string
	handle func(*models.Comment)
}

type busPort struct {
	bus   *bus
	email string
}

func newBus() *bus { return &bus{subs: make(map[int64][]subscriber)} }

func (b *bus) port(email string) *busPort { return &busPort{bus: b, email: email} }

func (p *busPort) Deliver(_ context.Context, c *models.Comment) error {
	p.bus.mu.Lock()
	if p.bus.holdNotices && e2ee.IsSenderKeyNotice(c) {
		p.bus.held = append(p.bus.held, &busHeld{port: p, c: c.Clone()})
		p.bus.mu.Unlock()
		return nil
	}
	p.bus.delivered = append(p.bus.delivered, c.Clone())
	targets := append([]subscriber(nil), p.bus.subs[c.RoomID]...)
	p.bus.mu.Unlock()
	for _, s := range targets {
		if !utils.EqualEmail(s.email, c.SenderEmail) {
			s.handle(c.Clone())
		}
	}
	return nil
}

func (p *busPort) Subscribe(_ context.Context, roomID int64, handle func(*models.Comment)) error {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	p.bus.subs[roomID] = append(p.bus.subs[roomID], subscriber{email: p.email, handle: handle})
	return nil
}

// release stops holding notices and delivers the ones held so far.
func (b *bus) release(ctx context.Context) {
	b.mu.Lock()
	b.holdNotices = false
	held := b.held
	b.held = nil
	b.mu.Unlock()
	for _, h := range held {
		_ = h.port.Deliver(ctx, h.c)
	}
}

func (b *bus) wireCopy(uniqueID string) *models.Comment {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.delivered {
		if c.UniqueID == uniqueID {
			return c
		}
	}
	return nil
}

const (
	groupRoomID int64 = 42
	pairRoomID  int64 = 100
)

func newTestClient(t *testing.T, b *bus, email string) *Client {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.ProfilePath = filepath.Join(dir, "profile.json")
	cfg.Passphrase = "correct horse"
	cfg.Account = config.AccountConfig{Email: email}
	cfg.Outbox.RetryEvery = 50 * time.Millisecond

	cli, err := New(context.Background(), cfg, WithTransport(b.port(email)), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Shutdown() })
	return cli
}

// startClients seeds every client's room cache with the group and pairwise
// rooms, each member carrying its notice key, then starts them.
func startClients(t *testing.T, clients ...*Client) {
	t.Helper()
	ctx := context.Background()
	var members []models.RoomMember
	for _, cli := range clients {
		members = append(members, models.RoomMember{Email: cli.Identity.Account().Email, NoticeKey: cli.Identity.NoticeKey()})
	}
	for _, cli := range clients {
		require.NoError(t, cli.Store.SaveChatRoom(ctx, &models.ChatRoom{ID: groupRoomID, Name: "team", Group: true, Members: members}))
		require.NoError(t, cli.Store.SaveChatRoom(ctx, &models.ChatRoom{ID: pairRoomID, Members: members}))
	}
	for _, cli := range clients {
		require.NoError(t, cli.Start(groupRoomID, pairRoomID))
	}
}

func newPair(t *testing.T, b *bus) (alice, bob *Client) {
	t.Helper()
	alice = newTestClient(t, b, "alice@example.com")
	bob = newTestClient(t, b, "bob@example.com")
	startClients(t, alice, bob)
	return alice, bob
}

func localMessage(cli *Client, uniqueID string) string {
	c, err := cli.Store.Comment(context.Background(), uniqueID)
	if err != nil {
		return ""
	}
	return c.Message
}

func TestGroupMessageEndToEnd(t *testing.T) {
	b := newBus()
	alice, bob := newPair(t, b)

	sent, err := alice.SendComment(context.Background(), &models.Comment{RoomID: groupRoomID, Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", localMessage(alice, sent.UniqueID))

	require.Eventually(t, func() bool {
		return localMessage(bob, sent.UniqueID) == "hello"
	}, 5*time.Second, 20*time.Millisecond)

	wire := b.wireCopy(sent.UniqueID)
	require.NotNil(t, wire)
	assert.NotEqual(t, "hello", wire.Message)

	// bob answered the notice with his own key, so alice can read him too
	reply, err := bob.SendComment(context.Background(), &models.Comment{RoomID: groupRoomID, Message: "hi alice"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return localMessage(alice, reply.UniqueID) == "hi alice"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPairwiseMessageStoredAsIs(t *testing.T) {
	b := newBus()
	alice, bob := newPair(t, b)

	sent, err := alice.SendComment(context.Background(), &models.Comment{RoomID: pairRoomID, Message: "plain"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return localMessage(bob, sent.UniqueID) == "plain"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "plain", b.wireCopy(sent.UniqueID).Message)
}

func TestGroupMessageBeforeSenderKey(t *testing.T) {
	b := newBus()
	b.holdNotices = true
	alice, bob := newPair(t, b)
	ctx := context.Background()

	sent, err := alice.SendComment(ctx, &models.Comment{RoomID: groupRoomID, Message: "early"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c, err := bob.Store.Comment(ctx, sent.UniqueID)
		return err == nil && c.DecryptPending
	}, 5*time.Second, 20*time.Millisecond)
	assert.NotEqual(t, "early", localMessage(bob, sent.UniqueID))

	b.release(ctx)
	require.Eventually(t, func() bool {
		return localMessage(bob, sent.UniqueID) == "early"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSendComment_NoticesLeaveFirst(t *testing.T) {
	b := newBus()
	alice, bob := newPair(t, b)

	sent, err := alice.SendComment(context.Background(), &models.Comment{RoomID: groupRoomID, Message: "first"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return localMessage(bob, sent.UniqueID) == "first"
	}, 5*time.Second, 20*time.Millisecond)

	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.delivered)
	assert.True(t, e2ee.IsSenderKeyNotice(b.delivered[0]), "sender key notice goes out before the message")
}

func TestSendComment_UnknownRoom(t *testing.T) {
	alice := newTestClient(t, newBus(), "alice@example.com")
	startClients(t, alice)
	_, err := alice.SendComment(context.Background(), &models.Comment{RoomID: 999, Message: "x"})
	assert.ErrorIs(t, err, ErrSendFailed)
}
