package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"marketsim/internal/config"
	"marketsim/internal/game"
	"marketsim/internal/store"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type app struct {
	log         *slog.Logger
	store       game.Store
	svc         *game.Service
	rec         *game.Reconciler
	close       func()
	out         io.Writer
	in          *bufio.Reader
	interactive func() bool
}

func main() {
	a := &app{
		out: os.Stdout,
		in:  bufio.NewReader(os.Stdin),
		interactive: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	}
	root := newRootCmd(a)
	err := root.Execute()
	if a.close != nil {
		a.close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "marketctl",
		Short:        "Inspect and repair supermarket game sessions",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.connect(cmd.Context())
		},
	}
	root.SetOut(a.out)

	root.AddCommand(
		newDebugGameDateCmd(a),
		newDebugGameTimeCmd(a),
		newFixGameDateCmd(a),
		newFixSaleDatesCmd(a),
		newFixTimeAccelerationCmd(a),
		newUpdateTimeAcceleration20sCmd(a),
		newUpdateGameSessionsStatusCmd(a),
		newTestUpdateTimeViewCmd(a),
		newCreateGameSessionsCmd(a),
		newCreatePlayerCmd(a),
		newMigrateCmd(a),
	)
	return root
}

func (a *app) connect(ctx context.Context) error {
	if a.svc != nil {
		return nil
	}
	config.LoadDotEnv()
	cfg, err := config.LoadCoreFromEnv()
	if err != nil {
		return err
	}
	a.log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	if ctx == nil {
		ctx = context.Background()
	}
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	s, closeStore, err := store.Open(openCtx, cfg, a.log)
	if err != nil {
		return err
	}
	opts := []game.Option{game.WithDefaults(cfg.Defaults), game.WithConcurrency(cfg.BatchConcurrency)}
	a.store = s
	a.close = closeStore
	a.svc = game.NewService(s, a.log, opts...)
	a.rec = game.NewReconciler(s, a.log, opts...)
	return nil
}

func newDebugGameDateCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "debug-game-date",
		Short: "Audit every session's current date against start date + days survived",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			reports, err := a.rec.AuditAll(ctx)
			if err != nil {
				return err
			}
			a.renderAudit(reports)

			var drifted []game.AuditReport
			for _, r := range reports {
				if r.Drift {
					drifted = append(drifted, r)
				}
			}
			if len(drifted) == 0 {
				a.printSuccess("All session dates are consistent.")
				return nil
			}
			a.printWarn(fmt.Sprintf("%d session(s) drifted.", len(drifted)))
			if !yes && !a.interactive() {
				a.printInfo("Run with --yes to repair them.")
				return nil
			}

			var results []game.RepairResult
			for _, r := range drifted {
				if err := ctx.Err(); err != nil {
					return err
				}
				if !yes {
					ok, err := a.confirm(fmt.Sprintf("Repair session %d (%s -> %s)?", r.SessionID, r.CurrentGameDate, r.ExpectedDate))
					if err != nil {
						return err
					}
					if !ok {
						continue
					}
				}
				res, err := a.rec.Repair(ctx, r.SessionID)
				if err != nil {
					a.printError(err.Error())
					continue
				}
				results = append(results, res)
			}
			a.renderRepairs("repairs", results)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "repair every drifted session without prompting")
	return cmd
}

func newDebugGameTimeCmd(a *app) *cobra.Command {
	var playerID string
	var rewind time.Duration
	cmd := &cobra.Command{
		Use:   "debug-game-time",
		Short: "Show how much in-game time is pending for a player, without saving",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if rewind > 0 {
				if _, err := a.rec.RewindAnchor(ctx, playerID, rewind); err != nil {
					return err
				}
				a.printWarn(fmt.Sprintf("Anchor moved back by %s.", rewind))
			}
			p, err := a.svc.Preview(ctx, playerID)
			if err != nil {
				return err
			}
			a.renderSnapshot(p.Before)
			a.printTitle("pending")
			fmt.Fprintf(a.out, "Elapsed:         %.1fs\n", p.ElapsedSeconds)
			fmt.Fprintf(a.out, "Days pending:    %d\n", p.DaysPending)
			fmt.Fprintf(a.out, "Date after tick: %s (%s)\n", p.After.CurrentGameDate, p.After.Status)
			fmt.Fprintf(a.out, "Game time:       %s\n", p.After.CurrentGameTime)
			return nil
		},
	}
	cmd.Flags().StringVar(&playerID, "player", "", "player id")
	cmd.Flags().DurationVar(&rewind, "rewind", 0, "move last_update_time back by this much first (e.g. 5m)")
	_ = cmd.MarkFlagRequired("player")
	return cmd
}

func newFixGameDateCmd(a *app) *cobra.Command {
	var sessionID int64
	var date string
	cmd := &cobra.Command{
		Use:   "fix-game-date",
		Short: "Force a session to a date and restamp its sales",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := game.ParseDate(date)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			res, err := a.rec.ForceDate(ctx, sessionID, target)
			if err != nil {
				return err
			}
			a.renderRepairs("forced date", []game.RepairResult{res})
			a.printSuccess(fmt.Sprintf("Session %d now on %s.", res.SessionID, res.After))
			return nil
		},
	}
	cmd.Flags().Int64Var(&sessionID, "session", 0, "session id")
	cmd.Flags().StringVar(&date, "date", "", "target date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func newFixSaleDatesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fix-sale-dates",
		Short: "Restamp every sale with its session's current date",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()
			results, err := a.rec.RestampAllSales(ctx)
			if err != nil {
				return err
			}
			a.renderRepairs("sale dates", results)
			return nil
		},
	}
}

func newFixTimeAccelerationCmd(a *app) *cobra.Command {
	var from, to int
	var all bool
	cmd := &cobra.Command{
		Use:   "fix-time-acceleration",
		Short: "Rewrite time_acceleration on sessions still at a legacy value",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			var filter *int
			if !all {
				filter = &from
			}
			n, err := a.rec.RetuneAcceleration(ctx, to, filter)
			if err != nil {
				return err
			}
			if all {
				a.printSuccess(fmt.Sprintf("Updated %d session(s) to %ds per game day.", n, to))
			} else {
				a.printSuccess(fmt.Sprintf("Updated %d session(s) from %d to %ds per game day.", n, from, to))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&from, "from", 1440, "only update sessions currently at this value")
	cmd.Flags().IntVar(&to, "to", 3, "new seconds per game day")
	cmd.Flags().BoolVar(&all, "all", false, "update every session regardless of --from")
	return cmd
}

func newUpdateTimeAcceleration20sCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "update-time-acceleration-20s",
		Short: "Set every session to the default 20 seconds per game day",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			n, err := a.rec.RetuneAcceleration(ctx, game.DefaultTimeAcceleration, nil)
			if err != nil {
				return err
			}
			a.printSuccess(fmt.Sprintf("Updated %d session(s) to %ds per game day.", n, game.DefaultTimeAcceleration))
			return nil
		},
	}
}

func newUpdateGameSessionsStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "update-game-sessions-status",
		Short: "Move every ACTIVE session back to NOT_STARTED",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			n, err := a.rec.ResetActiveStatus(ctx)
			if err != nil {
				return err
			}
			a.printSuccess(fmt.Sprintf("Reset %d active session(s).", n))
			return nil
		},
	}
}

func newTestUpdateTimeViewCmd(a *app) *cobra.Command {
	var playerID string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "test-update-time-view",
		Short: "Run one observation for a player exactly as the update-time endpoint does",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			snap, err := a.svc.Observe(ctx, playerID)
			if err != nil {
				return err
			}
			if asJSON {
				return a.renderJSON(snap)
			}
			a.renderSnapshot(snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&playerID, "player", "", "player id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	_ = cmd.MarkFlagRequired("player")
	return cmd
}

func newCreateGameSessionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create-game-sessions",
		Short: "Create sessions for every player that has none",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()
			report, err := a.svc.BulkBackfill(ctx)
			if err != nil {
				return err
			}
			a.printTitle("backfill " + report.BatchID)
			fmt.Fprintf(a.out, "Created: %d\nSkipped: %d\nFailed:  %d\n", report.Created, report.Skipped, len(report.Errors))
			for _, e := range report.Errors {
				a.printError(fmt.Sprintf("%s: %s", e.PlayerID, e.Error))
			}
			if len(report.Errors) > 0 {
				return fmt.Errorf("%d player(s) failed", len(report.Errors))
			}
			return nil
		},
	}
}

func newCreatePlayerCmd(a *app) *cobra.Command {
	var playerID, email, name string
	var withSession bool
	cmd := &cobra.Command{
		Use:   "create-player",
		Short: "Register a player row for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			p := game.Player{PlayerID: strings.TrimSpace(playerID), Email: email, DisplayName: name}
			if withSession {
				snap, err := a.svc.EnsurePlayer(ctx, p)
				if err != nil {
					return err
				}
				a.renderSnapshot(snap)
				return nil
			}
			if p.PlayerID == "" {
				return fmt.Errorf("%w: player id is required", game.ErrInvalidInput)
			}
			if err := a.store.EnsurePlayer(ctx, p); err != nil {
				return err
			}
			a.printSuccess(fmt.Sprintf("Player %s registered.", p.PlayerID))
			return nil
		},
	}
	cmd.Flags().StringVar(&playerID, "player", "", "player id")
	cmd.Flags().StringVar(&email, "email", "", "player email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().BoolVar(&withSession, "with-session", false, "also create the player's game session")
	_ = cmd.MarkFlagRequired("player")
	return cmd
}

type migrator interface {
	Migrate(ctx context.Context) error
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, ok := a.store.(migrator)
			if !ok {
				return fmt.Errorf("migrate needs MARKETSIM_STORE=%s; the configured store has no schema", config.StorePostgres)
			}
			if err := m.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.printSuccess("Schema is up to date.")
			return nil
		},
	}
}
