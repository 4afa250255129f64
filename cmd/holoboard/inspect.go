package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/astromechza/holoboard/pkg/boardstate"
	"github.com/astromechza/holoboard/pkg/durable"
	"github.com/astromechza/holoboard/pkg/replica"
	"github.com/astromechza/holoboard/pkg/viz"
)

type inspectOptions struct {
	File    string
	SvgPath string
	Changes bool
}

func newInspectCommand(root *rootOptions) *cobra.Command {
	opts := &inspectOptions{}
	cmd := &cobra.Command{
		Use:   "inspect [room]",
		Short: "Print a room's board and change history",
		Long: `Load a room from the local store, or a dumped document with --file, and print
its merged board as json. --svg renders the change graph.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomID := ""
			if len(args) == 1 {
				roomID = args[0]
			}
			return runInspect(cmd.Context(), root, opts, roomID, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.File, "file", "", "read a dumped document instead of the local store")
	cmd.Flags().StringVar(&opts.SvgPath, "svg", "", "write the change graph to this svg file")
	cmd.Flags().BoolVar(&opts.Changes, "changes", false, "log every change in the document")
	return cmd
}

func loadRaw(ctx context.Context, root *rootOptions, opts *inspectOptions, roomID string) ([]byte, error) {
	if opts.File != "" {
		raw, err := os.ReadFile(opts.File)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		return raw, nil
	}
	if roomID == "" {
		return nil, errors.New("expected a room id or --file")
	}
	store, err := durable.Open(root.Config.LocalStorePath())
	if err != nil {
		return nil, err
	}
	defer store.Close()
	raw, err := store.Load(ctx, roomID)
	if errors.Is(err, durable.ErrNotFound) {
		rooms, _ := store.Rooms(ctx)
		return nil, fmt.Errorf("no local state for room %q (known rooms: %v)", roomID, rooms)
	}
	return raw, err
}

func runInspect(ctx context.Context, root *rootOptions, opts *inspectOptions, roomID string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	raw, err := loadRaw(ctx, root, opts, roomID)
	if err != nil {
		return err
	}
	doc := replica.New()
	if err := doc.MergeSaved(raw); err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	slog.Info("loaded heads", "heads", doc.Heads())

	am, err := doc.Fork()
	if err != nil {
		return fmt.Errorf("failed to fork doc: %w", err)
	}
	if opts.Changes {
		changes, err := am.Changes()
		if err != nil {
			return fmt.Errorf("failed to generate changes: %w", err)
		}
		for i, change := range changes {
			slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "origin", change.Message(), "dep", change.Dependencies())
		}
	}

	snap := boardstate.New(doc, nil).Snapshot()
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(snap); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if opts.SvgPath != "" {
		if err := viz.RenderToFile(am, opts.SvgPath); err != nil {
			return err
		}
		slog.Info("rendered change graph", "svg", opts.SvgPath)
	}
	return nil
}
