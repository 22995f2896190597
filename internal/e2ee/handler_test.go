package e2ee

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsec/internal/crypto"
	"chatsec/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func sendFrom(t *testing.T, d *device, uniqueID string, rawType models.RawType, message, payload string) *models.Comment {
	t.Helper()
	c := &models.Comment{
		UniqueID:     uniqueID,
		RoomID:       groupRoom,
		SenderEmail:  d.email,
		RawType:      rawType,
		Message:      message,
		ExtraPayload: payload,
	}
	msg, p, err := d.handler.CreateEncryptedPayload(context.Background(), groupRoom, c)
	require.NoError(t, err)
	out := c.Clone()
	out.Message, out.ExtraPayload = msg, p
	return out
}

func TestCreateEncryptedPayload_NewRoom(t *testing.T) {
	alice := alicesDevice(t)
	ctx := context.Background()

	msg, payload, err := alice.handler.CreateEncryptedPayload(ctx, groupRoom, &models.Comment{
		UniqueID: "c-1", RoomID: groupRoom, RawType: models.RawTypeText, Message: "hello",
	})
	require.NoError(t, err)
	assert.NotEqual(t, "hello", msg)
	assert.Empty(t, payload)
	assert.True(t, alice.states.has(groupRoom))

	notices := alice.comments.notices()
	require.Len(t, notices, 2)
	targets := map[int64]bool{}
	for _, n := range notices {
		targets[n.RoomID] = true
		notice, ok, err := ParseSenderKeyNotice(n)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, groupRoom, notice.GroupRoomID)
		assert.Equal(t, "engineering", notice.GroupRoomName)
		assert.True(t, notice.NeedReply)
		assert.Equal(t, models.StatePending, n.State)
	}
	assert.Equal(t, map[int64]bool{100: true, 101: true}, targets)
	assert.EqualValues(t, 1, alice.resender.kicks.Load())

	// The ciphertext is the base64 ratchet output and opens with the announced key.
	bobsNotices := noticesFor(alice, "bob@example.com")
	require.Len(t, bobsNotices, 1)
	key := openNotice(t, bobsNotices[0], "bob@example.com")
	peer := crypto.NewGroupConversation()
	require.NoError(t, peer.InitRecipient(key))
	pt, err := DecryptField(peer, msg)
	require.NoError(t, err)
	assert.Equal(t, "hello", pt)
}

func TestCreateEncryptedPayload_SecondMessageNoNewNotices(t *testing.T) {
	alice := alicesDevice(t)
	sendFrom(t, alice, "c-1", models.RawTypeText, "one", "")
	sendFrom(t, alice, "c-2", models.RawTypeText, "two", "")

	assert.Len(t, alice.comments.notices(), 2)
	assert.EqualValues(t, 1, alice.resender.kicks.Load())
}

func TestCreateEncryptedPayload_StateUnavailable(t *testing.T) {
	alice := alicesDevice(t)
	alice.states.failOn = errors.New("database is locked")

	_, _, err := alice.handler.CreateEncryptedPayload(context.Background(), groupRoom, &models.Comment{
		UniqueID: "c-1", RawType: models.RawTypeText, Message: "hello",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoSenderState)
	assert.Empty(t, alice.comments.notices())
}

func TestCreateEncryptedPayload_PlainTypesUntouched(t *testing.T) {
	alice := alicesDevice(t)
	c := &models.Comment{UniqueID: "c-1", RawType: models.RawTypeSystemEvent, Message: "bob joined", ExtraPayload: `{"type":"join"}`}

	msg, payload, err := alice.handler.CreateEncryptedPayload(context.Background(), groupRoom, c)
	require.NoError(t, err)
	assert.Equal(t, "bob joined", msg)
	assert.Equal(t, `{"type":"join"}`, payload)
}

func TestDecrypt_Text(t *testing.T) {
	alice, bob := alicesDevice(t), bobsDevice(t)
	in := sendFrom(t, alice, "c-1", models.RawTypeText, "hello", "")
	deliverNotices(t, alice, bob)

	report, err := bob.handler.Decrypt(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, report.MessageErr)
	assert.False(t, report.Placeholder)
	assert.Equal(t, "hello", in.Message)

	cached, err := bob.comments.Comment(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", cached.Message)
}

func TestDecrypt_ContactPerson(t *testing.T) {
	alice, bob := alicesDevice(t), bobsDevice(t)
	sendFrom(t, alice, "warmup", models.RawTypeText, "hi", "")
	deliverNotices(t, alice, bob)

	in := sendFrom(t, alice, "c-2", models.RawTypeContactPerson, "contact",
		`{"name":"Bob Builder","value":"+62 811 000","type":"phone"}`)
	assert.NotContains(t, in.ExtraPayload, "Bob Builder")

	report, err := bob.handler.Decrypt(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, report.Payload.OK())
	assert.Equal(t, "Bob Builder - +62 811 000", in.Message)
	assert.Equal(t, "phone", gjson.Get(in.ExtraPayload, "type").String())
}

func TestDecrypt_FileAttachmentAndLocationDisplay(t *testing.T) {
	alice, bob := alicesDevice(t), bobsDevice(t)
	file := sendFrom(t, alice, "f-1", models.RawTypeFileAttachment, "[file]",
		`{"url":"https://cdn.example.com/a.png","file_name":"a.png","caption":"look","encryption_key":"k"}`)
	loc := sendFrom(t, alice, "l-1", models.RawTypeLocation, "location",
		`{"name":"Office","address":"Main St 1","map_url":"https://maps.example.com/x","latitude":1.5,"longitude":2.5}`)
	deliverNotices(t, alice, bob)
	ctx := context.Background()

	_, err := bob.handler.Decrypt(ctx, file)
	require.NoError(t, err)
	assert.Equal(t, "[file] https://cdn.example.com/a.png [/file]", file.Message)
	assert.Equal(t, "look", gjson.Get(file.ExtraPayload, "caption").String())

	_, err = bob.handler.Decrypt(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, "Office - Main St 1\nhttps://maps.example.com/x", loc.Message)
	assert.Equal(t, 1.5, gjson.Get(loc.ExtraPayload, "latitude").Float())
}

func TestDecrypt_Reply(t *testing.T) {
	alice, bob := alicesDevice(t), bobsDevice(t)
	ctx := context.Background()
	require.NoError(t, bob.comments.AddOrUpdateComment(ctx, &models.Comment{
		ID: 77, UniqueID: "orig", Message: "lunch?", RawType: models.RawTypeText, ExtraPayload: `{"mood":"hungry"}`,
	}))

	in := sendFrom(t, alice, "r-1", models.RawTypeReply, "sure",
		`{"text":"sure, at noon","replied_comment_id":77}`)
	deliverNotices(t, alice, bob)

	report, err := bob.handler.Decrypt(ctx, in)
	require.NoError(t, err)
	require.NoError(t, report.DisplayErr)
	assert.Equal(t, "sure, at noon", in.Message)
	assert.Equal(t, "lunch?", gjson.Get(in.ExtraPayload, "replied_comment_message").String())
	assert.Equal(t, "hungry", gjson.Get(in.ExtraPayload, "replied_comment_payload.mood").String())
}

func TestDecrypt_Idempotent(t *testing.T) {
	alice := alicesDevice(t)
	in := sendFrom(t, alice, "c-1", models.RawTypeText, "hello", "")
	key := openNotice(t, noticesFor(alice, "bob@example.com")[0], "bob@example.com")

	spy := &spyConversation{GroupConversation: crypto.NewGroupConversation()}
	require.NoError(t, spy.InitSender(crypto.NewHashID([]byte("bob-device"))))
	require.NoError(t, spy.InitRecipient(key))
	convs := newMemConversations()
	require.NoError(t, convs.SaveGroupConversation(context.Background(), groupRoom, spy))

	comments := newMemComments()
	mgr := NewManager(convs, staticIdentity("bob-device"), &recordingNotifier{}, zerolog.Nop())
	h := NewHandler(mgr, comments, staticAccount{Email: "bob@example.com"}, nil, nil, zerolog.Nop())

	first := in.Clone()
	_, err := h.Decrypt(context.Background(), first)
	require.NoError(t, err)
	second := in.Clone()
	report, err := h.Decrypt(context.Background(), second)
	require.NoError(t, err)

	assert.True(t, report.Cached)
	assert.Equal(t, "hello", first.Message)
	assert.Equal(t, first.Message, second.Message)
	assert.EqualValues(t, 1, spy.decrypts.Load())
}

func TestDecrypt_SelfAuthored(t *testing.T) {
	spy := &spyConversation{GroupConversation: crypto.NewGroupConversation()}
	require.NoError(t, spy.InitSender(crypto.NewHashID([]byte("alice-device"))))
	convs := newMemConversations()
	require.NoError(t, convs.SaveGroupConversation(context.Background(), groupRoom, spy))
	mgr := NewManager(convs, staticIdentity("alice-device"), &recordingNotifier{}, zerolog.Nop())
	h := NewHandler(mgr, newMemComments(), staticAccount{Email: "alice@example.com"}, nil, nil, zerolog.Nop())

	c := &models.Comment{UniqueID: "c-9", RoomID: groupRoom, SenderEmail: "Alice@Example.com", RawType: models.RawTypeText, Message: "b64"}
	report, err := h.Decrypt(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, report.Placeholder)
	assert.Equal(t, DefaultPlaceholder, c.Message)
	assert.EqualValues(t, 0, spy.decrypts.Load())
}

func TestDecrypt_UnknownSender(t *testing.T) {
	alice, bob := alicesDevice(t), bobsDevice(t)
	ctx := context.Background()
	in := sendFrom(t, alice, "c-1", models.RawTypeText, "hello", "")

	report, err := bob.handler.Decrypt(ctx, in.Clone())
	require.NoError(t, err)
	assert.True(t, report.Placeholder)
	assert.True(t, report.Deferred)
	assert.ErrorIs(t, report.MessageErr, crypto.ErrNoRecipient)

	kept, err := bob.comments.Comment(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, kept.DecryptPending)
	assert.Equal(t, DefaultPlaceholder, kept.Message)
	assert.Equal(t, models.StateDelivered, kept.State)

	// a placeholder is not a cache hit
	again := in.Clone()
	report, err = bob.handler.Decrypt(ctx, again)
	require.NoError(t, err)
	assert.False(t, report.Cached)
	assert.Equal(t, DefaultPlaceholder, again.Message)
}

func TestDecrypt_RetriedWhenSenderKeyArrives(t *testing.T) {
	alice, bob := alicesDevice(t), bobsDevice(t)
	ctx := context.Background()
	first := sendFrom(t, alice, "c-1", models.RawTypeText, "hello", "")
	second := sendFrom(t, alice, "c-2", models.RawTypeText, "again", "")
	second.Timestamp = 2

	// the message overtakes the notice that carries its key
	for _, c := range []*models.Comment{first, second} {
		report, err := bob.handler.Decrypt(ctx, c.Clone())
		require.NoError(t, err)
		require.True(t, report.Deferred)
	}
	deliverNotices(t, alice, bob)

	for id, want := range map[string]string{"c-1": "hello", "c-2": "again"} {
		got, err := bob.comments.Comment(ctx, id)
		require.NoError(t, err)
		assert.False(t, got.DecryptPending, id)
		assert.Equal(t, want, got.Message, id)
	}

	n, err := bob.handler.RetryUndecrypted(ctx, groupRoom)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDecrypt_ConcurrentSameComment(t *testing.T) {
	alice, bob := alicesDevice(t), bobsDevice(t)
	in := sendFrom(t, alice, "c-1", models.RawTypeText, "hello", "")
	deliverNotices(t, alice, bob)
	bob.comments.lookup = 20 * time.Millisecond

	var wg sync.WaitGroup
	got := make([]string, 2)
	errs := make([]error, 2)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := in.Clone()
			_, errs[i] = bob.handler.Decrypt(context.Background(), c)
			got[i] = c.Message
		}()
	}
	wg.Wait()

	for i := range got {
		require.NoError(t, errs[i])
		assert.Equal(t, "hello", got[i])
	}
}

func TestDecrypt_SkipsNonDecryptable(t *testing.T) {
	bob := bobsDevice(t)
	for _, c := range []*models.Comment{
		{UniqueID: "s-1", RoomID: groupRoom, RawType: models.RawTypeSystemEvent, Message: "alice created the room"},
		{UniqueID: "s-2", RoomID: groupRoom, RawType: models.RawTypeCustom, Message: "Group sender key",
			ExtraPayload: `{"type":"group_sender_key","content":{"group_room_id":42,"sender_key":"AA=="}}`},
	} {
		msg := c.Message
		report, err := bob.handler.Decrypt(context.Background(), c)
		require.NoError(t, err)
		assert.True(t, report.Skipped)
		assert.Equal(t, msg, c.Message)
	}
	assert.False(t, bob.states.has(groupRoom))
}

func TestDecrypt_StateUnavailableLeavesComment(t *testing.T) {
	bob := bobsDevice(t)
	bob.states.failOn = errors.New("disk I/O error")
	c := &models.Comment{UniqueID: "c-1", RoomID: groupRoom, SenderEmail: "alice@example.com", RawType: models.RawTypeText, Message: "Y2lwaGVy"}

	_, err := bob.handler.Decrypt(context.Background(), c)
	require.Error(t, err)
	assert.Equal(t, "Y2lwaGVy", c.Message)
}

func TestHandleSenderKeyNotice(t *testing.T) {
	bob := bobsDevice(t)
	ctx := context.Background()
	notice := func(content string) *models.Comment {
		return &models.Comment{
			RawType: models.RawTypeCustom, SenderEmail: "alice@example.com",
			ExtraPayload: `{"type":"group_sender_key","content":` + content + `}`,
		}
	}
	sealedFor := func(to string, key []byte) string {
		sealed, err := crypto.SealTo(noticeKey(to), key, noticeAD(groupRoom, "alice@example.com", to))
		require.NoError(t, err)
		return base64.StdEncoding.EncodeToString(sealed)
	}

	handled, err := bob.handler.HandleSenderKeyNotice(ctx, &models.Comment{RawType: models.RawTypeText, Message: "hi"})
	require.NoError(t, err)
	assert.False(t, handled)

	handled, err = bob.handler.HandleSenderKeyNotice(ctx, notice(`{"group_room_id":42}`))
	assert.True(t, handled)
	assert.ErrorIs(t, err, ErrInvalidNotice)

	handled, err = bob.handler.HandleSenderKeyNotice(ctx, notice(`{"group_room_id":42,"sender_key":"%%%"}`))
	assert.True(t, handled)
	assert.ErrorIs(t, err, ErrInvalidNotice)

	handled, err = bob.handler.HandleSenderKeyNotice(ctx, notice(`{"group_room_id":42,"sender_key":"bm90IGEga2V5"}`))
	assert.True(t, handled)
	assert.ErrorIs(t, err, crypto.ErrMalformed)

	forCarol := sealedFor("carol@example.com", []byte("key"))
	handled, err = bob.handler.HandleSenderKeyNotice(ctx, notice(`{"group_room_id":42,"sender_key":"`+forCarol+`"}`))
	assert.True(t, handled)
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)

	notAKey := sealedFor("bob@example.com", []byte("not a key"))
	handled, err = bob.handler.HandleSenderKeyNotice(ctx, notice(`{"group_room_id":42,"sender_key":"`+notAKey+`"}`))
	assert.True(t, handled)
	assert.ErrorIs(t, err, crypto.ErrBadKey)

	own := notice(`{"group_room_id":42,"sender_key":"` + notAKey + `"}`)
	own.SenderEmail = "Bob@example.com"
	handled, err = bob.handler.HandleSenderKeyNotice(ctx, own)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestExtractPayload(t *testing.T) {
	p, err := ExtractPayload(&models.Comment{ExtraPayload: `{"type":"group_sender_key","content":{"need_reply":true}}`})
	require.NoError(t, err)
	assert.Equal(t, "group_sender_key", p.Get("type").String())
	assert.True(t, p.Get("content.need_reply").Bool())

	for _, raw := range []string{"", "nope", `["a"]`} {
		_, err := ExtractPayload(&models.Comment{ExtraPayload: raw})
		assert.ErrorIs(t, err, ErrInvalidPayload, raw)
	}
}
