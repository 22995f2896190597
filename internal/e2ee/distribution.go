package e2ee

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatsec/internal/crypto"
	"chatsec/internal/models"
	"chatsec/internal/utils"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	NoticeType         = "group_sender_key"
	noticeMessage      = "Group sender key"
	DefaultFanOutLimit = 4
)

// SenderKeyNotice is the content of a distribution comment. SenderKey is
// the base64 sender key sealed to the recipient's notice key.
type SenderKeyNotice struct {
	GroupRoomID   int64  `json:"group_room_id"`
	GroupRoomName string `json:"group_room_name"`
	SenderKey     string `json:"sender_key"`
	NeedReply     bool   `json:"need_reply"`
}

type noticeEnvelope struct {
	Type    string          `json:"type"`
	Content SenderKeyNotice `json:"content"`
}

// NewSenderKeyNotice builds the pending comment that carries notice into
// the pairwise room targetRoomID.
func NewSenderKeyNotice(targetRoomID int64, notice SenderKeyNotice, from models.Account) (*models.Comment, error) {
	payload, err := json.Marshal(noticeEnvelope{Type: NoticeType, Content: notice})
	if err != nil {
		return nil, err
	}
	return &models.Comment{
		RoomID:       targetRoomID,
		UniqueID:     utils.GenerateRandomID(),
		Message:      noticeMessage,
		SenderEmail:  from.Email,
		SenderName:   from.Username,
		RawType:      models.RawTypeCustom,
		ExtraPayload: string(payload),
		State:        models.StatePending,
		Timestamp:    time.Now().UnixNano(),
	}, nil
}

// ParseSenderKeyNotice extracts the notice from c. ok is false when c is
// not a sender key notice at all.
func ParseSenderKeyNotice(c *models.Comment) (SenderKeyNotice, bool, error) {
	if !IsSenderKeyNotice(c) {
		return SenderKeyNotice{}, false, nil
	}
	var env noticeEnvelope
	if err := json.Unmarshal([]byte(c.ExtraPayload), &env); err != nil {
		return SenderKeyNotice{}, true, ErrInvalidNotice.WithDetails(err.Error())
	}
	if env.Content.GroupRoomID == 0 || env.Content.SenderKey == "" {
		return SenderKeyNotice{}, true, ErrInvalidNotice.WithDetails("missing room id or sender key")
	}
	return env.Content, true, nil
}

// noticeAD binds a sealed sender key to its group room and to both ends of
// the pairwise room it travels through.
func noticeAD(groupRoomID int64, from, to string) []byte {
	norm := func(e string) string { return strings.ToLower(strings.TrimSpace(e)) }
	return fmt.Appendf(nil, "chatsec/sender-key/%d/%s/%s", groupRoomID, norm(from), norm(to))
}

// FanOutReport is the per-member outcome of one distribution.
type FanOutReport struct {
	mu     sync.Mutex
	Queued map[string]int64
	Failed map[string]error
}

func newFanOutReport() *FanOutReport {
	return &FanOutReport{Queued: make(map[string]int64), Failed: make(map[string]error)}
}

func (r *FanOutReport) queued(email string, roomID int64) {
	r.mu.Lock()
	r.Queued[email] = roomID
	r.mu.Unlock()
}

func (r *FanOutReport) failed(email string, err error) {
	r.mu.Lock()
	r.Failed[email] = err
	r.mu.Unlock()
}

// Distributor sends a room's sender key to every other member through
// their pairwise rooms.
type Distributor struct {
	rooms    RoomDirectory
	comments CommentStore
	resender Resender
	account  AccountProvider
	limit    int
	log      zerolog.Logger
}

func NewDistributor(rooms RoomDirectory, comments CommentStore, resender Resender, account AccountProvider, limit int, log zerolog.Logger) *Distributor {
	if limit <= 0 {
		limit = DefaultFanOutLimit
	}
	return &Distributor{
		rooms:    rooms,
		comments: comments,
		resender: resender,
		account:  account,
		limit:    limit,
		log:      log.With().Str("component", "e2ee-distributor").Logger(),
	}
}

// NotifyMembers queues one notice per distinct member other than the local
// account, the sender key sealed to that member's notice key. A member
// without a notice key, whose pairwise room cannot be resolved or whose
// notice cannot be stored is recorded in the report and skipped. The
// returned error only covers a bad sender key or failing to resolve the
// group room.
func (d *Distributor) NotifyMembers(ctx context.Context, roomID int64, senderKey string, needReply bool) (*FanOutReport, error) {
	key, err := decodeBase64(senderKey)
	if err != nil {
		return nil, fmt.Errorf("sender key for room %d: %w", roomID, err)
	}
	group, err := d.rooms.ChatRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("resolve group room %d: %w", roomID, err)
	}
	me := d.account.Account()

	report := newFanOutReport()
	var g errgroup.Group
	g.SetLimit(d.limit)
	for _, member := range distinctMembers(group, me.Email) {
		g.Go(func() error {
			email := member.Email
			if len(member.NoticeKey) == 0 {
				report.failed(email, ErrNoNoticeKey.WithDetails(email))
				return nil
			}
			sealed, err := crypto.SealTo(member.NoticeKey, key, noticeAD(group.ID, me.Email, email))
			if err != nil {
				report.failed(email, fmt.Errorf("seal sender key: %w", err))
				return nil
			}
			target, err := d.rooms.ChatRoomWithTarget(ctx, email)
			if err != nil {
				report.failed(email, fmt.Errorf("resolve pairwise room: %w", err))
				return nil
			}
			c, err := NewSenderKeyNotice(target.ID, SenderKeyNotice{
				GroupRoomID:   group.ID,
				GroupRoomName: group.Name,
				SenderKey:     base64.StdEncoding.EncodeToString(sealed),
				NeedReply:     needReply,
			}, me)
			if err == nil {
				err = d.comments.AddOrUpdateComment(ctx, c)
			}
			if err != nil {
				report.failed(email, fmt.Errorf("store notice: %w", err))
				return nil
			}
			report.queued(email, target.ID)
			return nil
		})
	}
	_ = g.Wait()

	if len(report.Queued) > 0 && d.resender != nil {
		d.resender.TryResendPending()
	}
	d.log.Debug().
		Int64("room_id", roomID).
		Int("queued", len(report.Queued)).
		Int("failed", len(report.Failed)).
		Msg("fan-out finished")
	return report, nil
}

func distinctMembers(room *models.ChatRoom, self string) []models.RoomMember {
	seen := make(map[string]struct{}, len(room.Members))
	out := make([]models.RoomMember, 0, len(room.Members))
	for _, m := range room.Members {
		m.Email = strings.TrimSpace(m.Email)
		key := strings.ToLower(m.Email)
		if m.Email == "" || utils.EqualEmail(m.Email, self) {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	return out
}
