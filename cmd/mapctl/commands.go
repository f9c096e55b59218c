package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"storymap/collab/internal/crdt"
	"storymap/collab/internal/editor"
	"storymap/collab/internal/gitrepo"
	"storymap/collab/internal/lock"
	"storymap/collab/internal/presence"
	"storymap/collab/internal/search"
	"storymap/collab/internal/session"
	"storymap/collab/internal/storymap"
	"storymap/collab/internal/transport"

	"github.com/spf13/cobra"
)

type globalFlags struct {
	server   string
	redisURL string
	session  string
	timeout  time.Duration
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:          "mapctl",
		Short:        "Manage collaborative story maps",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.server, "server", envOr("STORYMAP_SERVER", "http://localhost:8787"), "story map server base URL")
	root.PersistentFlags().StringVar(&flags.redisURL, "redis", os.Getenv("REDIS_URL"), "redis URL for session storage; empty keeps it in memory")
	root.PersistentFlags().StringVar(&flags.session, "session", envOr("STORYMAP_SESSION", "default"), "session name, scopes unlocked maps")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 10*time.Second, "timeout for a single request")

	root.AddCommand(newLockCmd(flags), newWatchCmd(flags), newExportCmd(flags), newImportCmd(flags),
		newHistoryCmd(flags), newSearchCmd(flags))
	return root
}

func newLockCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and change map passwords",
	}
	var password string

	status := &cobra.Command{
		Use:   "status <mapId>",
		Short: "Show whether a map is locked and unlocked for this session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, flags, args[0], func(ctx context.Context, c *lock.Coordinator) error {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], c.State())
				return nil
			})
		},
	}
	set := &cobra.Command{
		Use:   "set <mapId>",
		Short: "Protect a map with a password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, flags, args[0], func(ctx context.Context, c *lock.Coordinator) error {
				if err := c.SetPassword(ctx, password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: locked\n", args[0])
				return nil
			})
		},
	}
	unlock := &cobra.Command{
		Use:   "unlock <mapId>",
		Short: "Unlock a map for this session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, flags, args[0], func(ctx context.Context, c *lock.Coordinator) error {
				if err := c.Unlock(ctx, password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], c.State())
				return nil
			})
		},
	}
	relock := &cobra.Command{
		Use:   "relock <mapId>",
		Short: "Make a map read-only again for this session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, flags, args[0], func(ctx context.Context, c *lock.Coordinator) error {
				if err := c.Relock(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], c.State())
				return nil
			})
		},
	}
	remove := &cobra.Command{
		Use:   "remove <mapId>",
		Short: "Remove a map's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, flags, args[0], func(ctx context.Context, c *lock.Coordinator) error {
				if err := c.Remove(ctx, password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: unlocked\n", args[0])
				return nil
			})
		},
	}
	for _, sub := range []*cobra.Command{set, unlock, remove} {
		sub.Flags().StringVarP(&password, "password", "p", "", "map password")
	}
	cmd.AddCommand(status, set, unlock, relock, remove)
	return cmd
}

// withCoordinator runs fn against a coordinator that has already read the
// map's current lock state.
func withCoordinator(cmd *cobra.Command, flags *globalFlags, mapID string, fn func(context.Context, *lock.Coordinator) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
	defer cancel()
	storage, closeStorage, err := sessionStorage(flags)
	if err != nil {
		return err
	}
	defer closeStorage()

	c := lock.NewCoordinator(mapID, lock.NewHTTPClient(flags.server, nil), lock.Options{
		Session: storage,
		Notify:  func(message string) { fmt.Fprintln(cmd.ErrOrStderr(), message) },
	})
	if err := c.Refresh(ctx); err != nil {
		return err
	}
	return fn(ctx, c)
}

func newWatchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <mapId>",
		Short: "Follow a map and its collaborators until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			s, closeSession, err := openSession(ctx, flags, args[0], editor.Options{
				Renderer: printRenderer{out: out},
				OnChange: func(doc *storymap.Document) {
					fmt.Fprintf(out, "map %q: %s\n", doc.Name, summarize(doc))
				},
				OnLock: func(status lock.Status) {
					fmt.Fprintf(out, "lock: %s\n", status.State())
				},
				Notify: func(message string) { fmt.Fprintln(cmd.ErrOrStderr(), message) },
			})
			if err != nil {
				return err
			}
			defer closeSession()
			doc := s.Document()
			fmt.Fprintf(out, "watching %s (%q: %s)\n", args[0], doc.Name, summarize(doc))
			<-ctx.Done()
			return nil
		},
	}
}

func newExportCmd(flags *globalFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <mapId>",
		Short: "Write a map as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			s, closeSession, err := openSession(ctx, flags, args[0], editor.Options{})
			if err != nil {
				return err
			}
			defer closeSession()
			data, err := s.Export()
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			return os.WriteFile(output, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write, stdout when empty")
	return cmd
}

func newImportCmd(flags *globalFlags) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "import <mapId> <file>",
		Short: "Replace a map with the contents of a JSON file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[1], err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			s, closeSession, err := openSession(ctx, flags, args[0], editor.Options{
				LockAPI: lock.NewHTTPClient(flags.server, nil),
				Notify:  func(message string) { fmt.Fprintln(cmd.ErrOrStderr(), message) },
			})
			if err != nil {
				return err
			}
			defer closeSession()

			if err := s.Lock().Refresh(ctx); err != nil {
				return err
			}
			if !s.Editable() && password != "" {
				if err := s.Lock().Unlock(ctx, password); err != nil {
					return err
				}
			}
			if err := s.Import(data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s into %s\n", args[1], args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password of a locked map")
	return cmd
}

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <mapId>",
		Short: "List saved versions of a map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			var out struct {
				Versions []gitrepo.Version `json:"versions"`
			}
			target := fmt.Sprintf("%s/api/maps/%s/history?limit=%d", strings.TrimRight(flags.server, "/"), url.PathEscape(args[0]), limit)
			if err := getJSON(ctx, target, &out); err != nil {
				return err
			}
			if len(out.Versions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no versions yet")
				return nil
			}
			for _, v := range out.Versions {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", v.Hash, v.CreatedAt.Local().Format(time.DateTime), v.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of versions, 0 for all")
	return cmd
}

func newSearchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search maps by name, cards and notes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			var out search.Response
			target := strings.TrimRight(flags.server, "/") + "/api/search?q=" + url.QueryEscape(strings.Join(args, " "))
			if err := getJSON(ctx, target, &out); err != nil {
				return err
			}
			for _, r := range out.Results {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", r.ID, r.Name, r.Snippet)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d result(s)\n", out.Total)
			return nil
		},
	}
}

func openSession(ctx context.Context, flags *globalFlags, mapID string, opts editor.Options) (*editor.Session, func(), error) {
	storage, closeStorage, err := sessionStorage(flags)
	if err != nil {
		return nil, nil, err
	}
	tr := transport.Dial(ctx, wsURL(flags.server, mapID), transport.DialOptions{})
	opts.Transport = tr
	opts.SessionStorage = storage
	if opts.SyncTimeout == 0 {
		opts.SyncTimeout = flags.timeout / 2
	}
	s, err := editor.Open(ctx, mapID, nil, opts)
	if err != nil {
		_ = tr.Close()
		closeStorage()
		return nil, nil, err
	}
	return s, func() {
		if err := s.Close(); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		closeStorage()
	}, nil
}

// sessionStorage keeps unlocked maps in redis when configured so they
// survive between invocations.
func sessionStorage(flags *globalFlags) (session.Storage, func(), error) {
	if strings.TrimSpace(flags.redisURL) == "" {
		return session.NewMemoryStore(), func() {}, nil
	}
	store, err := session.NewRedisStore(flags.redisURL, "mapctl:"+flags.session, 12*time.Hour)
	if err != nil {
		return nil, nil, fmt.Errorf("session storage: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

func wsURL(server, mapID string) string {
	base := strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/" + url.PathEscape(mapID)
}

func getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return errors.New(apiErr.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func summarize(doc *storymap.Document) string {
	cards := 0
	for _, row := range []map[string][]storymap.Card{doc.Users, doc.Activities} {
		for _, list := range row {
			cards += len(list)
		}
	}
	for _, slice := range doc.Slices {
		for _, list := range slice.Stories {
			cards += len(list)
		}
	}
	return fmt.Sprintf("%d steps, %d slices, %d cards", len(doc.Columns), len(doc.Slices), cards)
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

type printRenderer struct {
	out io.Writer
}

func (r printRenderer) RenderCursor(client crdt.ClientID, cursor presence.Cursor) {}

func (r printRenderer) RemoveCursor(client crdt.ClientID) {}

func (r printRenderer) RenderGhost(client crdt.ClientID, ghost presence.GhostView) {
	fmt.Fprintf(r.out, "peer %d is dragging %s %s\n", client, ghost.Type, ghost.ID)
}

func (r printRenderer) RemoveGhost(client crdt.ClientID) {}

func (r printRenderer) SetViewerCount(count int, visible bool) {
	fmt.Fprintf(r.out, "%d viewer(s)\n", count)
}
