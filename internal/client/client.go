// Package client wires storage, directory, transport, outbox and the group
// encryption core into a running chat device.
package client

import (
	"context"
	"fmt"

	"chatsec/internal/api"
	"chatsec/internal/config"
	"chatsec/internal/directory"
	"chatsec/internal/e2ee"
	"chatsec/internal/models"
	"chatsec/internal/outbox"
	"chatsec/internal/p2p"
	"chatsec/internal/profile"
	"chatsec/internal/storage"
	"chatsec/internal/storage/redis"
	"chatsec/internal/utils"

	"github.com/rs/zerolog"
)

// Transport delivers comments and feeds inbound ones back.
type Transport interface {
	outbox.Deliverer
	Subscribe(ctx context.Context, roomID int64, handle func(*models.Comment)) error
}

type Client struct {
	Config    *config.Config
	Log       zerolog.Logger
	RemoteLog *utils.RemoteLogger

	Store     *storage.Store
	Identity  *profile.Identity
	Directory *directory.Directory
	Outbox    *outbox.Outbox
	E2EE      *e2ee.Handler

	Node      *p2p.Node
	api       *api.Client
	transport Transport
	rooms     *redis.RoomCache

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*options)

type options struct {
	transport Transport
	logger    *zerolog.Logger
}

// WithTransport replaces the libp2p transport.
func WithTransport(t Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithLogger replaces the logger built from the config.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// New opens every component described by cfg. Call Start to begin
// delivering and receiving, and Shutdown to release resources.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Client, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cli := &Client{Config: cfg}
	cli.ctx, cli.cancel = context.WithCancel(ctx)
	defer func() {
		if err != nil {
			_ = cli.Shutdown()
		}
	}()

	if o.logger != nil {
		cli.Log = *o.logger
	} else if cli.Log, cli.RemoteLog, err = utils.NewLogger(cfg.Log); err != nil {
		return nil, err
	}

	profilePath := cfg.ProfilePath
	if profilePath == "" {
		if profilePath, err = profile.DefaultPath(cfg.Account.Email); err != nil {
			return nil, err
		}
	}
	acc := models.Account{Email: cfg.Account.Email, Username: cfg.Account.Username, Token: cfg.Account.Token}
	if cli.Identity, err = profile.LoadOrCreate(profilePath, acc, cfg.Passphrase); err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	if cli.Store, err = storage.Open(cli.ctx, cfg.DBPath(), cfg.Passphrase); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var remote directory.Remote
	if cfg.API.BaseURL != "" {
		if cli.api, err = api.NewClient(cfg.API, cli.Identity.Account, cli.Log); err != nil {
			return nil, err
		}
		remote = cli.api
	}
	caches := []directory.Cache{cli.Store}
	if cfg.Redis.Addr != "" {
		if cli.rooms, err = redis.Open(cli.ctx, cfg.Redis); err != nil {
			return nil, err
		}
		caches = append(caches, cli.rooms)
	}
	cli.Directory = directory.New(remote, cli.Log, caches...)

	cli.transport = o.transport
	if cli.transport == nil {
		if cli.Node, err = p2p.NewNode(cli.ctx, cfg.P2P, cli.Identity.Libp2pPriv, cli.Log); err != nil {
			return nil, fmt.Errorf("start p2p node: %w", err)
		}
		cli.transport = p2p.NewPublisher(cli.Node)
		cli.Log.Info().Strs("addrs", cli.Node.Addrs()).Msg("p2p node listening")
	}
	cli.Outbox = outbox.New(cli.Store, cli.transport, cfg.Outbox, cli.Log)

	cli.E2EE = e2ee.New(e2ee.Deps{
		States:      cli.Store,
		Comments:    cli.Store,
		Rooms:       cli.Directory,
		Resender:    cli.Outbox,
		Identity:    cli.Identity,
		Account:     cli.Identity,
		Opener:      cli.Identity,
		Classifier:  e2ee.DefaultClassifier{PlaceholderText: cfg.E2EE.Placeholder},
		FanOutLimit: cfg.E2EE.FanOutLimit,
		Logger:      cli.Log,
	})
	return cli, nil
}

// Start launches the outbox and subscribes to the configured rooms plus
// any extra ones. Configured encrypted rooms get their sender key up front.
func (cli *Client) Start(rooms ...int64) error {
	if cli.Outbox == nil || cli.transport == nil {
		return ErrNotInitialized
	}
	cli.Outbox.Start()
	if cli.api != nil {
		if err := cli.api.RegisterNoticeKey(cli.ctx, cli.Identity.NoticeKey()); err != nil {
			cli.Log.Warn().Err(err).Msg("register notice key")
		}
	}
	for _, id := range cli.Config.E2EE.Rooms {
		if err := cli.Join(id); err != nil {
			return err
		}
		cli.E2EE.Manager().InitSenderKey(cli.ctx, id)
	}
	for _, id := range rooms {
		if err := cli.Join(id); err != nil {
			return err
		}
	}
	cli.Outbox.TryResendPending()
	cli.Log.Info().Str("email", cli.Identity.Account().Email).Msg("client started")
	return nil
}

// Join subscribes to a room's inbound comments.
func (cli *Client) Join(roomID int64) error {
	if err := cli.transport.Subscribe(cli.ctx, roomID, func(c *models.Comment) {
		cli.HandleInbound(cli.ctx, c)
	}); err != nil {
		return fmt.Errorf("join room %d: %w", roomID, err)
	}
	return nil
}
