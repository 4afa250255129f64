package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/astromechza/holoboard/pkg/api"
	"github.com/astromechza/holoboard/pkg/board"
	"github.com/astromechza/holoboard/pkg/discovery"
	"github.com/astromechza/holoboard/pkg/durable"
	"github.com/astromechza/holoboard/pkg/presence"
	"github.com/astromechza/holoboard/pkg/room"
)

type joinOptions struct {
	Discover  bool
	Restore   bool
	SaveEvery time.Duration
	Scribble  bool
}

func newJoinCommand(root *rootOptions) *cobra.Command {
	opts := &joinOptions{}
	cmd := &cobra.Command{
		Use:   "join <room>",
		Short: "Join a room as a headless replica",
		Long: `Join a room: restore local state, sync with every other peer through the relay,
share presence, and log board changes until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), root, opts, args[0])
		},
	}
	cmd.Flags().BoolVar(&opts.Discover, "discover", false, "find a relay on the local network when none is configured")
	cmd.Flags().BoolVar(&opts.Restore, "restore", true, "restore the board from the persistence api when the room is empty")
	cmd.Flags().DurationVar(&opts.SaveEvery, "save-every", 30*time.Second, "how often to save the board to the persistence api")
	cmd.Flags().BoolVar(&opts.Scribble, "scribble", false, "add a random sticky note every few seconds")
	return cmd
}

func runJoin(ctx context.Context, root *rootOptions, opts *joinOptions, roomID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := root.Config
	if cfg.RelayURL == "" && opts.Discover {
		discoverCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		u, err := discovery.Browse(discoverCtx, 3*time.Second)
		cancel()
		if err != nil {
			return err
		}
		slog.Info("discovered relay", "url", u)
		cfg.RelayURL = u
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := cfg.EnsureUserID(); err != nil {
		return err
	}
	store, err := durable.Open(cfg.LocalStorePath())
	if err != nil {
		return err
	}
	defer store.Close()

	manager, err := room.NewManager(room.Options{
		RelayURL:        cfg.RelayURL,
		Store:           store,
		PersistInterval: cfg.PersistInterval,
		CaptureTimeout:  cfg.CaptureTimeout,
		Backoff:         cfg.Backoff,
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	r, err := manager.Open(ctx, roomID)
	if err != nil {
		return err
	}
	logger := slog.With("room", roomID, "peer", manager.PeerID())

	name := cfg.DisplayName
	if name == "" {
		name = "guest-" + manager.PeerID()[:4]
	}
	r.Presence.Publish(presence.Record{Name: name, Color: presence.RandomColor()})

	unsubBoard := r.Board.Subscribe(func(s board.Snapshot) {
		logger.Info("board changed", "shapes", len(s.Shapes), "connectors", len(s.VisibleConnectors()), "heads", r.Doc.Heads())
	})
	defer unsubBoard()
	unsubPresence := r.Presence.Subscribe(func(peers map[string]presence.Record) {
		for id, p := range peers {
			logger.Debug("peer presence", "peer", id, "name", p.Name, "x", p.CursorX, "y", p.CursorY)
		}
		logger.Info("peers present", "count", len(peers))
	})
	defer unsubPresence()

	var client *api.Client
	if cfg.APIURL != "" {
		client = api.NewClient(cfg.APIURL)
		if opts.Restore {
			go func() {
				restoreCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
				defer cancel()
				if ok, err := r.Board.RestoreFromCloud(restoreCtx, client, roomID, r.Sync); err != nil {
					logger.Warn("failed to restore board from cloud", "err", err)
				} else if ok {
					logger.Info("restored board from cloud")
				}
			}()
		}
	}

	if opts.SaveEvery <= 0 {
		opts.SaveEvery = 30 * time.Second
	}
	saveTicker := time.NewTicker(opts.SaveEvery)
	defer saveTicker.Stop()
	scribble := time.NewTimer(scribbleDelay())
	defer scribble.Stop()
	if !opts.Scribble {
		scribble.Stop()
	}

	save := func(ctx context.Context) {
		if client == nil {
			return
		}
		snap := r.Board.Snapshot()
		if _, err := client.SaveBoard(ctx, api.SaveRequest{RoomID: roomID, UserID: cfg.UserID, Name: roomID, Data: api.DataFromSnapshot(snap)}); err != nil {
			logger.Warn("failed to save board", "err", err)
			return
		}
		logger.Info("saved board", "shapes", len(snap.Shapes))
	}

loop:
	for {
		select {
		case <-saveTicker.C:
			save(ctx)
		case <-scribble.C:
			s := board.NewShape(board.ShapeSticky, float64(rand.Intn(800)), float64(rand.Intn(600)))
			s.Text = fmt.Sprintf("note from %s", name)
			if err := r.Board.AddShape(s); err != nil {
				logger.Error("failed to add shape", "err", err)
			}
			r.Presence.Publish(presence.Record{Name: name, Color: presence.RandomColor(), CursorX: s.X, CursorY: s.Y})
			scribble.Reset(scribbleDelay())
		case <-ctx.Done():
			logger.Info("Signal caught")
			break loop
		}
	}

	finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	save(finalCtx)
	if err := r.Durable.Flush(finalCtx); err != nil {
		logger.Error("failed to flush local state", "err", err)
	}

	tf := filepath.Join(os.TempDir(), fmt.Sprintf("holoboard-%s-%s.doc", roomID, r.Doc.ActorID()))
	if err := os.WriteFile(tf, r.Doc.Save(), 0o644); err != nil {
		return fmt.Errorf("failed to dump document: %w", err)
	}
	logger.Info("dumped", "dump", tf)
	return nil
}

func scribbleDelay() time.Duration {
	return time.Second + time.Second*time.Duration(rand.Intn(5))
}
