// Package directory resolves chat rooms from local caches first and the
// remote backend second, populating the caches on a remote hit.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"chatsec/internal/api"
	"chatsec/internal/models"
	"chatsec/internal/storage"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Cache is a room store consulted before the remote backend.
type Cache interface {
	ChatRoom(ctx context.Context, roomID int64) (*models.ChatRoom, error)
	ChatRoomByEmail(ctx context.Context, email string) (*models.ChatRoom, error)
	SaveChatRoom(ctx context.Context, room *models.ChatRoom) error
}

type Remote interface {
	ChatRoom(ctx context.Context, roomID int64) (*models.ChatRoom, error)
	ChatRoomWithTarget(ctx context.Context, email string) (*models.ChatRoom, error)
}

type Directory struct {
	caches []Cache
	remote Remote
	group  singleflight.Group
	log    zerolog.Logger
}

// New builds a directory. Caches are consulted in order; nil entries are
// skipped.
func New(remote Remote, log zerolog.Logger, caches ...Cache) *Directory {
	d := &Directory{remote: remote, log: log.With().Str("component", "directory").Logger()}
	for _, c := range caches {
		if c != nil {
			d.caches = append(d.caches, c)
		}
	}
	return d
}

func (d *Directory) ChatRoom(ctx context.Context, roomID int64) (*models.ChatRoom, error) {
	return d.resolve(ctx, "id:"+strconv.FormatInt(roomID, 10),
		func(c Cache) (*models.ChatRoom, error) { return c.ChatRoom(ctx, roomID) },
		func() (*models.ChatRoom, error) { return d.remote.ChatRoom(ctx, roomID) },
	)
}

// ChatRoomWithTarget returns the 1:1 room shared with email.
func (d *Directory) ChatRoomWithTarget(ctx context.Context, email string) (*models.ChatRoom, error) {
	email = strings.TrimSpace(email)
	return d.resolve(ctx, "target:"+strings.ToLower(email),
		func(c Cache) (*models.ChatRoom, error) { return c.ChatRoomByEmail(ctx, email) },
		func() (*models.ChatRoom, error) { return d.remote.ChatRoomWithTarget(ctx, email) },
	)
}

func (d *Directory) resolve(ctx context.Context, key string, fromCache func(Cache) (*models.ChatRoom, error), fromRemote func() (*models.ChatRoom, error)) (*models.ChatRoom, error) {
	for i, c := range d.caches {
		room, err := fromCache(c)
		if err == nil {
			d.backfill(ctx, room, d.caches[:i])
			return room, nil
		}
		if !isMiss(err) {
			d.log.Warn().Err(err).Str("key", key).Msg("cache lookup failed")
		}
	}
	if d.remote == nil {
		return nil, models.ErrRoomNotFound.WithDetails(key)
	}

	v, err, shared := d.group.Do(key, func() (any, error) {
		room, err := fromRemote()
		if err != nil {
			return nil, err
		}
		d.backfill(ctx, room, d.caches)
		return room, nil
	})
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", models.ErrRoomNotFound, err)
		}
		return nil, fmt.Errorf("resolve %s: %w", key, err)
	}
	d.log.Debug().Str("key", key).Bool("shared", shared).Msg("room fetched from remote")
	return v.(*models.ChatRoom), nil
}

func (d *Directory) backfill(ctx context.Context, room *models.ChatRoom, caches []Cache) {
	for _, c := range caches {
		if err := c.SaveChatRoom(ctx, room); err != nil {
			d.log.Warn().Err(err).Int64("room_id", room.ID).Msg("cache populate failed")
		}
	}
}

func isMiss(err error) bool {
	return errors.Is(err, storage.ErrNoRows) || errors.Is(err, models.ErrRoomNotFound)
}
