package e2ee

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatsec/internal/crypto"
	"chatsec/internal/models"
	"chatsec/internal/storage"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type memStates struct {
	mu     sync.Mutex
	blobs  map[int64][]byte
	saves  int
	failOn error
}

func newMemStates() *memStates { return &memStates{blobs: make(map[int64][]byte)} }

func (m *memStates) ConversationState(_ context.Context, roomID int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != nil {
		return nil, m.failOn
	}
	b, ok := m.blobs[roomID]
	if !ok {
		return nil, storage.ErrNoRows
	}
	return append([]byte(nil), b...), nil
}

func (m *memStates) SaveConversationState(_ context.Context, roomID int64, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != nil {
		return m.failOn
	}
	m.saves++
	m.blobs[roomID] = append([]byte(nil), state...)
	return nil
}

func (m *memStates) DeleteConversationState(_ context.Context, roomID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, roomID)
	return nil
}

func (m *memStates) has(roomID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[roomID]
	return ok
}

// memConversations keeps live objects so tests can observe calls on them.
type memConversations struct {
	mu    sync.Mutex
	convs map[int64]GroupConversation
}

func newMemConversations() *memConversations {
	return &memConversations{convs: make(map[int64]GroupConversation)}
}

func (m *memConversations) GroupConversation(_ context.Context, roomID int64) (GroupConversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[roomID]
	return c, ok, nil
}

func (m *memConversations) SaveGroupConversation(_ context.Context, roomID int64, conv GroupConversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[roomID] = conv
	return nil
}

func (m *memConversations) DeleteGroupConversation(_ context.Context, roomID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, roomID)
	return nil
}

// spyConversation counts ratchet calls on a real conversation.
type spyConversation struct {
	*crypto.GroupConversation
	decrypts atomic.Int32
	encrypts atomic.Int32
}

func (s *spyConversation) Decrypt(ct []byte) ([]byte, error) {
	s.decrypts.Add(1)
	return s.GroupConversation.Decrypt(ct)
}

func (s *spyConversation) Encrypt(pt []byte) ([]byte, error) {
	s.encrypts.Add(1)
	return s.GroupConversation.Encrypt(pt)
}

type memComments struct {
	mu       sync.Mutex
	byUnique map[string]*models.Comment
	wire     map[string][2]string
	nextID   int64
	failWhen func(*models.Comment) bool
	lookup   time.Duration
}

func newMemComments() *memComments {
	return &memComments{byUnique: make(map[string]*models.Comment), wire: make(map[string][2]string)}
}

func (m *memComments) Comment(_ context.Context, uniqueID string) (*models.Comment, error) {
	if m.lookup > 0 {
		time.Sleep(m.lookup)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byUnique[uniqueID]
	if !ok {
		return nil, storage.ErrNoRows
	}
	return c.Clone(), nil
}

func (m *memComments) CommentByID(_ context.Context, id int64) (*models.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byUnique {
		if c.ID == id {
			return c.Clone(), nil
		}
	}
	return nil, storage.ErrNoRows
}

func (m *memComments) AddOrUpdateComment(_ context.Context, c *models.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWhen != nil && m.failWhen(c) {
		return errors.New("disk full")
	}
	cp := c.Clone()
	cp.DecryptPending = false
	if cp.ID == 0 {
		m.nextID++
		cp.ID = m.nextID
	}
	delete(m.wire, cp.UniqueID)
	m.byUnique[cp.UniqueID] = cp
	return nil
}

func (m *memComments) SaveUndecrypted(_ context.Context, c *models.Comment, wireMessage, wirePayload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.byUnique[c.UniqueID]; ok && !prev.DecryptPending {
		return nil
	}
	cp := c.Clone()
	cp.DecryptPending = true
	m.byUnique[cp.UniqueID] = cp
	m.wire[cp.UniqueID] = [2]string{wireMessage, wirePayload}
	return nil
}

func (m *memComments) UndecryptedComments(_ context.Context, roomID int64) ([]*models.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Comment
	for id, c := range m.byUnique {
		if c.RoomID != roomID || !c.DecryptPending {
			continue
		}
		cp := c.Clone()
		cp.Message, cp.ExtraPayload = m.wire[id][0], m.wire[id][1]
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (m *memComments) notices() []*models.Comment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Comment
	for _, c := range m.byUnique {
		if IsSenderKeyNotice(c) {
			out = append(out, c.Clone())
		}
	}
	return out
}

func (m *memComments) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byUnique)
}

type fakeRooms struct {
	rooms   map[int64]*models.ChatRoom
	targets map[string]int64
	broken  map[string]bool
}

func (f *fakeRooms) ChatRoom(_ context.Context, roomID int64) (*models.ChatRoom, error) {
	r, ok := f.rooms[roomID]
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	return r, nil
}

func (f *fakeRooms) ChatRoomWithTarget(_ context.Context, email string) (*models.ChatRoom, error) {
	if f.broken[strings.ToLower(email)] {
		return nil, errors.New("directory unavailable")
	}
	id, ok := f.targets[strings.ToLower(email)]
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	return &models.ChatRoom{ID: id, Members: []models.RoomMember{{Email: email}}}, nil
}

type countingResender struct{ kicks atomic.Int32 }

func (c *countingResender) TryResendPending() { c.kicks.Add(1) }

type staticIdentity string

func (s staticIdentity) DeviceID() (string, error) { return string(s), nil }

type staticAccount models.Account

func (s staticAccount) Account() models.Account { return models.Account(s) }

type notifyCall struct {
	roomID    int64
	senderKey string
	needReply bool
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (r *recordingNotifier) NotifyMembers(_ context.Context, roomID int64, key string, needReply bool) (*FanOutReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, notifyCall{roomID, key, needReply})
	return newFanOutReport(), nil
}

func (r *recordingNotifier) snapshot() []notifyCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifyCall(nil), r.calls...)
}

const groupRoom int64 = 42

// testKEM holds one notice key pair per test address, generated on first use.
var testKEM = struct {
	sync.Mutex
	pub, priv map[string][]byte
}{pub: make(map[string][]byte), priv: make(map[string][]byte)}

func kemKeys(email string) (pub, priv []byte) {
	testKEM.Lock()
	defer testKEM.Unlock()
	email = strings.ToLower(email)
	if _, ok := testKEM.pub[email]; !ok {
		p, s, err := crypto.GenerateKEMKey()
		if err != nil {
			panic(err)
		}
		testKEM.pub[email], testKEM.priv[email] = p, s
	}
	return testKEM.pub[email], testKEM.priv[email]
}

func noticeKey(email string) []byte {
	pub, _ := kemKeys(email)
	return pub
}

// kemOpener opens notices with a test address's private notice key.
type kemOpener string

func (k kemOpener) OpenSenderKey(sealed, ad []byte) ([]byte, error) {
	_, priv := kemKeys(string(k))
	return crypto.OpenFrom(priv, sealed, ad)
}

func member(email string) models.RoomMember {
	return models.RoomMember{Email: email, NoticeKey: noticeKey(email)}
}

func groupMembers() *models.ChatRoom {
	return &models.ChatRoom{
		ID:    groupRoom,
		Name:  "engineering",
		Group: true,
		Members: []models.RoomMember{
			member("alice@example.com"),
			member("bob@example.com"),
			member("carol@example.com"),
		},
	}
}

// device bundles one participant's encryption stack.
type device struct {
	email    string
	targets  map[string]int64
	handler  *Handler
	states   *memStates
	comments *memComments
	resender *countingResender
}

func newDevice(t *testing.T, email string, targets map[string]int64) *device {
	t.Helper()
	d := &device{
		email:    email,
		targets:  targets,
		states:   newMemStates(),
		comments: newMemComments(),
		resender: &countingResender{},
	}
	d.handler = New(Deps{
		States:   d.states,
		Comments: d.comments,
		Rooms:    &fakeRooms{rooms: map[int64]*models.ChatRoom{groupRoom: groupMembers()}, targets: targets},
		Resender: d.resender,
		Identity: staticIdentity("device-" + email),
		Account:  staticAccount{Email: email, Username: strings.Split(email, "@")[0]},
		Opener:   kemOpener(email),
		Logger:   zerolog.Nop(),
	})
	return d
}

func alicesDevice(t *testing.T) *device {
	return newDevice(t, "alice@example.com", map[string]int64{"bob@example.com": 100, "carol@example.com": 101})
}

func bobsDevice(t *testing.T) *device {
	return newDevice(t, "bob@example.com", map[string]int64{"alice@example.com": 100, "carol@example.com": 201})
}

// noticesFor returns the notices from queued in its pairwise room with to.
func noticesFor(from *device, to string) []*models.Comment {
	var out []*models.Comment
	for _, n := range from.comments.notices() {
		if n.RoomID == from.targets[to] {
			out = append(out, n)
		}
	}
	return out
}

// openNotice returns the sender key carried by n, opened as recipient.
func openNotice(t *testing.T, n *models.Comment, recipient string) []byte {
	t.Helper()
	notice, ok, err := ParseSenderKeyNotice(n)
	require.NoError(t, err)
	require.True(t, ok)
	sealed, err := decodeBase64(notice.SenderKey)
	require.NoError(t, err)
	key, err := kemOpener(recipient).OpenSenderKey(sealed, noticeAD(notice.GroupRoomID, n.SenderEmail, recipient))
	require.NoError(t, err)
	return key
}

// deliverNotices hands the notices one device addressed to another, as the
// pairwise channel would.
func deliverNotices(t *testing.T, from, to *device) {
	t.Helper()
	notices := noticesFor(from, to.email)
	require.NotEmpty(t, notices)
	for _, n := range notices {
		handled, err := to.handler.HandleSenderKeyNotice(context.Background(), n)
		require.NoError(t, err)
		require.True(t, handled)
	}
}

func newConversationPair(t *testing.T) (sender, recipient *crypto.GroupConversation) {
	t.Helper()
	sender = crypto.NewGroupConversation()
	require.NoError(t, sender.InitSender(crypto.NewHashID([]byte("sender"))))
	key, err := sender.SenderKey()
	require.NoError(t, err)
	recipient = crypto.NewGroupConversation()
	require.NoError(t, recipient.InitRecipient(key))
	return sender, recipient
}
