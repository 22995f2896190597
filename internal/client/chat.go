package client

import (
	"context"
	"fmt"
	"time"

	"chatsec/internal/models"
	"chatsec/internal/utils"
)

// SendComment encrypts c for group rooms and queues it for delivery. The
// local copy keeps the readable content.
func (cli *Client) SendComment(ctx context.Context, c *models.Comment) (*models.Comment, error) {
	if cli.E2EE == nil {
		return nil, ErrNotInitialized
	}
	room, err := cli.Directory.ChatRoom(ctx, c.RoomID)
	if err != nil {
		return nil, ErrSendFailed.WithDetails(err.Error())
	}

	out := c.Clone()
	acc := cli.Identity.Account()
	if out.UniqueID == "" {
		out.UniqueID = utils.GenerateRandomID()
	}
	if out.RawType == "" {
		out.RawType = models.RawTypeText
	}
	out.SenderEmail, out.SenderName = acc.Email, acc.Username
	out.State = models.StatePending

	wireMessage, wirePayload := out.Message, out.ExtraPayload
	if room.Group {
		if wireMessage, wirePayload, err = cli.E2EE.CreateEncryptedPayload(ctx, room.ID, out); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
	}
	// stamped after encryption so sender key notices queued by a first
	// message leave the outbox ahead of it
	out.Timestamp = time.Now().UnixNano()
	if err := cli.Store.QueueOutgoing(ctx, out, wireMessage, wirePayload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	cli.Outbox.TryResendPending()
	return out, nil
}

// HandleInbound processes a comment received from the transport.
func (cli *Client) HandleInbound(ctx context.Context, c *models.Comment) {
	log := cli.Log.With().Int64("room_id", c.RoomID).Str("unique_id", c.UniqueID).Logger()

	if handled, err := cli.E2EE.HandleSenderKeyNotice(ctx, c); handled {
		if err != nil {
			log.Warn().Err(err).Msg("sender key notice rejected")
		} else {
			log.Debug().Str("from", c.SenderEmail).Msg("sender key installed")
		}
		return
	}

	room, err := cli.Directory.ChatRoom(ctx, c.RoomID)
	if err != nil {
		log.Warn().Err(err).Msg("inbound comment for unknown room")
		return
	}
	if !room.Group {
		cli.storeInbound(ctx, c)
		return
	}

	c.State = models.StateDelivered
	report, err := cli.E2EE.Decrypt(ctx, c)
	if err != nil {
		log.Error().Err(err).Msg("decrypt")
		return
	}
	if report.Skipped {
		cli.storeInbound(ctx, c)
		return
	}
	log.Debug().
		Bool("cached", report.Cached).
		Bool("placeholder", report.Placeholder).
		Bool("deferred", report.Deferred).
		Msg("comment received")
}

func (cli *Client) storeInbound(ctx context.Context, c *models.Comment) {
	c.State = models.StateDelivered
	if err := cli.Store.AddOrUpdateComment(ctx, c); err != nil {
		cli.Log.Warn().Err(err).Str("unique_id", c.UniqueID).Msg("store inbound comment")
	}
}
