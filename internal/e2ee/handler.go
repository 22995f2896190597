package e2ee

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"chatsec/internal/models"
	"chatsec/internal/storage"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Deps are the collaborators of the encryption core.
type Deps struct {
	States      StateStore
	Comments    CommentStore
	Rooms       RoomDirectory
	Resender    Resender
	Identity    IdentityProvider
	Account     AccountProvider
	Opener      NoticeOpener
	Classifier  Classifier
	FanOutLimit int
	Logger      zerolog.Logger
}

// Handler is the entry point used by the send and receive paths.
type Handler struct {
	manager  *Manager
	comments CommentStore
	account  AccountProvider
	opener   NoticeOpener
	policy   Classifier
	log      zerolog.Logger
}

// New wires a Manager, Distributor and Handler over d.
func New(d Deps, opts ...ManagerOption) *Handler {
	dist := NewDistributor(d.Rooms, d.Comments, d.Resender, d.Account, d.FanOutLimit, d.Logger)
	mgr := NewManager(NewStoredConversations(d.States), d.Identity, dist, d.Logger, opts...)
	return NewHandler(mgr, d.Comments, d.Account, d.Opener, d.Classifier, d.Logger)
}

func NewHandler(mgr *Manager, comments CommentStore, account AccountProvider, opener NoticeOpener, policy Classifier, log zerolog.Logger) *Handler {
	if policy == nil {
		policy = DefaultClassifier{}
	}
	return &Handler{
		manager:  mgr,
		comments: comments,
		account:  account,
		opener:   opener,
		policy:   policy,
		log:      log.With().Str("component", "e2ee").Logger(),
	}
}

func (h *Handler) Manager() *Manager { return h.manager }

// CreateEncryptedPayload returns the encrypted message text and payload
// for an outbound comment in roomID. The comment itself is not modified.
// Failing to obtain room state is fatal; nothing may go out in the clear.
func (h *Handler) CreateEncryptedPayload(ctx context.Context, roomID int64, c *models.Comment) (string, string, error) {
	var message, payload string
	err := h.manager.Update(ctx, roomID, true, func(st *RoomConversationState) error {
		message, payload = c.Message, c.ExtraPayload
		if h.policy.EncryptableMessage(c.RawType) {
			enc, err := EncryptField(st.Conversation, c.Message)
			if err != nil {
				return fmt.Errorf("encrypt message: %w", err)
			}
			message = enc
		}
		if c.ExtraPayload == "" {
			return nil
		}
		enc, err := EncryptPayload(st.Conversation, c.RawType, c.ExtraPayload)
		if err != nil {
			return fmt.Errorf("encrypt payload: %w", err)
		}
		payload = enc
		return nil
	})
	if err != nil {
		return "", "", fmt.Errorf("encrypt comment %s: %w", c.UniqueID, err)
	}
	return message, payload, nil
}

// DecryptReport describes what Decrypt did to a comment.
type DecryptReport struct {
	Skipped     bool
	Cached      bool
	Placeholder bool
	// Deferred is set when nothing could be decrypted and the comment was
	// stored with the placeholder to be retried once a sender key arrives.
	Deferred   bool
	MessageErr error
	Payload    *FieldReport
	PayloadErr error
	DisplayErr error
}

// Decrypt replaces c's message and payload with their decrypted, display
// ready forms. Failures of individual parts are reported, not returned;
// the error is reserved for state that cannot be loaded or saved, in which
// case c is left untouched.
//
// The comment store is the decrypt cache. It is checked again and written
// under the room lock, so concurrent calls for one comment consume its
// message key once.
func (h *Handler) Decrypt(ctx context.Context, c *models.Comment) (*DecryptReport, error) {
	report := &DecryptReport{}
	if !h.policy.DecryptableType(c) {
		report.Skipped = true
		return report, nil
	}

	d := c.Clone()
	if hit, err := h.fromCache(ctx, d); err != nil || hit {
		if err != nil {
			return nil, err
		}
		c.Message, c.ExtraPayload = d.Message, d.ExtraPayload
		report.Cached = true
		return report, nil
	}

	if c.IsMyComment(h.account.Account().Email) {
		c.Message = h.policy.Placeholder()
		report.Placeholder = true
		return report, nil
	}

	if d.State < models.StateDelivered {
		d.State = models.StateDelivered
	}
	log := h.log.With().Int64("room_id", c.RoomID).Str("unique_id", c.UniqueID).Logger()
	err := h.manager.Update(ctx, c.RoomID, true, func(st *RoomConversationState) error {
		hit, err := h.fromCache(ctx, d)
		if err != nil {
			return err
		}
		if hit {
			report.Cached = true
			return nil
		}
		h.decryptLocked(ctx, st, d, report, log)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decrypt comment %s: %w", c.UniqueID, err)
	}
	c.Message, c.ExtraPayload = d.Message, d.ExtraPayload
	return report, nil
}

// fromCache loads a finished copy of c from the comment store into c.
// Comments still waiting for a sender key are not a hit.
func (h *Handler) fromCache(ctx context.Context, c *models.Comment) (bool, error) {
	cached, err := h.comments.Comment(ctx, c.UniqueID)
	switch {
	case errors.Is(err, storage.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("comment cache lookup %s: %w", c.UniqueID, err)
	case cached.DecryptPending:
		return false, nil
	}
	c.Message, c.ExtraPayload = cached.Message, cached.ExtraPayload
	return true, nil
}

// decryptLocked runs with the room lock held. It decrypts d in place and
// stores the outcome: the readable copy when anything decrypted, otherwise
// the placeholder copy plus the ciphertext for a later retry.
func (h *Handler) decryptLocked(ctx context.Context, st *RoomConversationState, d *models.Comment, report *DecryptReport, log zerolog.Logger) {
	wireMessage, wirePayload := d.Message, d.ExtraPayload
	decryptedAny := false
	if h.policy.EncryptableMessage(d.RawType) {
		pt, err := DecryptField(st.Conversation, d.Message)
		if err != nil {
			report.MessageErr = err
			report.Placeholder = true
			d.Message = h.policy.Placeholder()
		} else {
			d.Message = pt
			decryptedAny = true
		}
	}
	if d.RawType != models.RawTypeText {
		p, fields, err := DecryptPayload(st.Conversation, d.RawType, d.ExtraPayload)
		d.ExtraPayload = p
		report.Payload, report.PayloadErr = fields, err
		if fields != nil && len(fields.Decoded) > 0 {
			decryptedAny = true
		}
	}

	if report.MessageErr != nil {
		log.Warn().Err(report.MessageErr).Msg("message text not decrypted")
	}
	if report.PayloadErr != nil || !report.Payload.OK() {
		log.Warn().Err(errors.Join(report.PayloadErr, report.Payload.Err())).Msg("payload partially decrypted")
	}

	if !decryptedAny {
		d.DecryptPending = true
		if err := h.comments.SaveUndecrypted(ctx, d, wireMessage, wirePayload); err != nil {
			log.Warn().Err(err).Msg("cannot keep undecrypted comment")
			return
		}
		report.Deferred = true
		return
	}

	if report.DisplayErr = h.rewriteForDisplay(ctx, d); report.DisplayErr != nil {
		log.Debug().Err(report.DisplayErr).Msg("display rewrite skipped")
	}
	d.DecryptPending = false
	if err := h.comments.AddOrUpdateComment(ctx, d); err != nil {
		log.Warn().Err(err).Msg("cannot cache decrypted comment")
	}
}

// RetryUndecrypted decrypts the room's comments that were kept with a
// placeholder. It returns how many now read as plaintext.
func (h *Handler) RetryUndecrypted(ctx context.Context, roomID int64) (int, error) {
	waiting, err := h.comments.UndecryptedComments(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("undecrypted comments of room %d: %w", roomID, err)
	}
	done := 0
	for _, c := range waiting {
		report, err := h.Decrypt(ctx, c)
		if err != nil {
			return done, err
		}
		if !report.Deferred {
			done++
		}
	}
	if len(waiting) > 0 {
		h.log.Debug().Int64("room_id", roomID).Int("waiting", len(waiting)).Int("decrypted", done).Msg("retried undecrypted comments")
	}
	return done, nil
}

// UpdateRecipient installs a peer's sender key for roomID.
func (h *Handler) UpdateRecipient(ctx context.Context, roomID int64, senderKeyB64 string, needReply bool) error {
	return h.manager.UpdateRecipient(ctx, roomID, senderKeyB64, needReply)
}

// HandleSenderKeyNotice applies an inbound distribution notice: it opens
// the sealed sender key, installs it, and retries the group room's comments
// that were waiting for it. handled is false when c is not a notice or was
// sent by the local account.
func (h *Handler) HandleSenderKeyNotice(ctx context.Context, c *models.Comment) (bool, error) {
	notice, ok, err := ParseSenderKeyNotice(c)
	if !ok {
		return false, nil
	}
	me := h.account.Account().Email
	if c.IsMyComment(me) {
		return false, nil
	}
	if err != nil {
		return true, err
	}
	if h.opener == nil {
		return true, ErrInvalidNotice.WithDetails("no notice key configured")
	}

	sealed, err := decodeBase64(notice.SenderKey)
	if err != nil {
		return true, ErrInvalidNotice.WithDetails(err.Error())
	}
	key, err := h.opener.OpenSenderKey(sealed, noticeAD(notice.GroupRoomID, c.SenderEmail, me))
	if err != nil {
		return true, fmt.Errorf("open sender key from %s: %w", c.SenderEmail, err)
	}
	keyB64 := base64.StdEncoding.EncodeToString(key)
	if err := h.UpdateRecipient(ctx, notice.GroupRoomID, keyB64, notice.NeedReply); err != nil {
		return true, err
	}

	if _, err := h.RetryUndecrypted(ctx, notice.GroupRoomID); err != nil {
		h.log.Warn().Err(err).Int64("room_id", notice.GroupRoomID).Msg("retry undecrypted comments")
	}
	return true, nil
}

// ExtractPayload parses c's payload as a JSON object.
func ExtractPayload(c *models.Comment) (gjson.Result, error) {
	if !gjson.Valid(c.ExtraPayload) {
		return gjson.Result{}, ErrInvalidPayload.WithDetails("not json")
	}
	p := gjson.Parse(c.ExtraPayload)
	if !p.IsObject() {
		return gjson.Result{}, ErrInvalidPayload.WithDetails("not an object")
	}
	return p, nil
}

func (h *Handler) rewriteForDisplay(ctx context.Context, c *models.Comment) error {
	switch c.RawType {
	case models.RawTypeReply, models.RawTypeFileAttachment, models.RawTypeLocation, models.RawTypeContactPerson:
	default:
		return nil
	}
	p, err := ExtractPayload(c)
	if err != nil {
		return err
	}

	switch c.RawType {
	case models.RawTypeReply:
		return h.rewriteReply(ctx, c, p)
	case models.RawTypeFileAttachment:
		c.Message = fmt.Sprintf("[file] %s [/file]", p.Get("url").String())
	case models.RawTypeLocation:
		c.Message = p.Get("name").String() + " - " + p.Get("address").String() + "\n" + p.Get("map_url").String()
	case models.RawTypeContactPerson:
		c.Message = p.Get("name").String() + " - " + p.Get("value").String()
	}
	return nil
}

func (h *Handler) rewriteReply(ctx context.Context, c *models.Comment, p gjson.Result) error {
	if text := p.Get("text"); text.Exists() {
		c.Message = text.String()
	}
	repliedID := p.Get("replied_comment_id")
	if !repliedID.Exists() {
		return nil
	}
	replied, err := h.comments.CommentByID(ctx, repliedID.Int())
	if errors.Is(err, storage.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("replied comment %d: %w", repliedID.Int(), err)
	}

	out, err := sjson.Set(c.ExtraPayload, "replied_comment_message", replied.Message)
	if err != nil {
		return err
	}
	if rp := gjson.Parse(replied.ExtraPayload); gjson.Valid(replied.ExtraPayload) && rp.IsObject() {
		if out, err = sjson.SetRaw(out, "replied_comment_payload", replied.ExtraPayload); err != nil {
			return err
		}
	}
	c.ExtraPayload = out
	return nil
}
