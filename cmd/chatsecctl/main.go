// Command chatsecctl runs a chatsec device and manages its group
// encryption state.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"chatsec/internal/client"
	"chatsec/internal/config"
	"chatsec/internal/crypto"
	"chatsec/internal/models"
	"chatsec/internal/storage"

	"github.com/spf13/pflag"
)

const usage = `usage: chatsecctl [flags] <command> [args]

commands:
  run                     start the device and serve until interrupted
  send <room> <message>   send a text comment
  list                    list stored conversation states
  inspect <room>          show sender and recipient chains of a room
  forget <room>           delete a room's conversation state
  rekey <room>            rotate the local sender key and announce it
  purge                   delete states unused for --older-than

flags:
`

func main() {
	flags := pflag.NewFlagSet("chatsecctl", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to config file (yaml)")
	olderThan := flags.Duration("older-than", 30*24*time.Hour, "purge: minimum idle time")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	args := flags.Args()
	if len(args) == 0 {
		flags.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd := args[0]; cmd {
	case "run":
		err = runDevice(ctx, cfg)
	case "send":
		err = send(ctx, cfg, args[1:])
	case "list":
		err = list(ctx, cfg)
	case "inspect":
		err = inspect(ctx, cfg, args[1:])
	case "forget", "rekey":
		err = manage(ctx, cfg, cmd, args[1:])
	case "purge":
		err = purge(ctx, cfg, *olderThan)
	default:
		flags.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "chatsecctl:", err)
	os.Exit(1)
}

func roomArg(args []string) (int64, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("room id required")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid room id %q", args[0])
	}
	return id, nil
}

func runDevice(ctx context.Context, cfg *config.Config) error {
	cli, err := client.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer cli.Shutdown()
	if err := cli.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	cli.Log.Info().Msg("shutting down")
	return nil
}

func send(ctx context.Context, cfg *config.Config, args []string) error {
	roomID, err := roomArg(args)
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("message required")
	}
	cli, err := client.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer cli.Shutdown()
	if err := cli.Start(); err != nil {
		return err
	}
	c, err := cli.SendComment(ctx, &models.Comment{
		RoomID:  roomID,
		RawType: models.RawTypeText,
		Message: strings.Join(args[1:], " "),
	})
	if err != nil {
		return err
	}
	fmt.Println(c.UniqueID)
	return nil
}

// manage needs the whole device so announcements reach the outbox, which
// flushes on shutdown.
func manage(ctx context.Context, cfg *config.Config, cmd string, args []string) error {
	roomID, err := roomArg(args)
	if err != nil {
		return err
	}
	cli, err := client.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer cli.Shutdown()
	if err := cli.Start(); err != nil {
		return err
	}

	mgr := cli.E2EE.Manager()
	if cmd == "forget" {
		return mgr.Forget(ctx, roomID)
	}
	return mgr.Rekey(ctx, roomID)
}

func openStore(ctx context.Context, cfg *config.Config) (*storage.Store, error) {
	return storage.Open(ctx, cfg.DBPath(), cfg.Passphrase)
}

func list(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.ListConversations(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROOM\tSEALED\tSIZE\tLAST USED")
	for _, r := range recs {
		fmt.Fprintf(w, "%d\t%t\t%d\t%s\n", r.RoomID, r.Sealed, len(r.State), r.LastUsed.Format(time.RFC3339))
	}
	return w.Flush()
}

func inspect(ctx context.Context, cfg *config.Config, args []string) error {
	roomID, err := roomArg(args)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	blob, err := store.ConversationState(ctx, roomID)
	if err != nil {
		return fmt.Errorf("room %d: %w", roomID, err)
	}
	conv, err := crypto.UnmarshalGroupConversation(blob)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tKEY ID\tITERATION\tSKIPPED")
	if s := conv.Sender; s != nil {
		fmt.Fprintf(w, "sender\t%s\t%d\t-\n", s.KeyID, s.Chain.Index)
	}
	ids := make([]crypto.HashID, 0, len(conv.Recipients))
	for id := range conv.Recipients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		r := conv.Recipients[id]
		fmt.Fprintf(w, "recipient\t%s\t%d\t%d\n", r.KeyID, r.Chain.Index, len(r.Skipped))
	}
	return w.Flush()
}

func purge(ctx context.Context, cfg *config.Config, olderThan time.Duration) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.PurgeConversationsOlderThan(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return err
	}
	fmt.Printf("purged %d conversation states\n", n)
	return nil
}
