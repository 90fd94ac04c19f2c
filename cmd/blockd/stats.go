package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Elgammal1299/block-app/internal/cache"
	"github.com/Elgammal1299/block-app/internal/config"
	"github.com/Elgammal1299/block-app/internal/policy"
	"github.com/Elgammal1299/block-app/internal/storage"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var statsCmd = &cobra.Command{
	Use:   "stats [PACKAGE]",
	Short: "Show today's usage and block statistics",
	Long:  `Show today's foreground time, session opens, and block attempts per package, read directly from the store.`,
	Example: `  blockd stats
  blockd stats com.example.social`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

type packageStats struct {
	Package       string
	Used          time.Duration
	Limit         time.Duration
	Opens         int64
	BlocksToday   int64
	BlocksTotal   int64
	Blocked       bool
	ActiveSession bool
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := quietLogger()

	store, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now()
	date := storage.DateKey(now)

	snap, err := cache.LoadSnapshot(ctx, store.Config(), now)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	usageMs, err := store.Counters().All(ctx, storage.DailyUsageKey(date))
	if err != nil {
		return fmt.Errorf("failed to load usage: %w", err)
	}
	opens, err := store.Counters().All(ctx, storage.SessionCountKey(date))
	if err != nil {
		return fmt.Errorf("failed to load session counts: %w", err)
	}
	attempts, err := store.Counters().All(ctx, storage.BlockAttemptsKey(date))
	if err != nil {
		return fmt.Errorf("failed to load block attempts: %w", err)
	}

	// The open session has not been committed yet
	open := map[string]time.Time{}
	if value, err := store.Config().Get(ctx, storage.KeyCurrentSessions); err == nil {
		gjson.Parse(value).ForEach(func(key, ms gjson.Result) bool {
			open[key.String()] = time.UnixMilli(ms.Int())
			return true
		})
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load active session: %w", err)
	}

	packages := map[string]bool{}
	if len(args) == 1 {
		packages[args[0]] = true
	} else {
		for pkg := range snap.Rules {
			packages[pkg] = true
		}
		for pkg := range snap.Limits {
			packages[pkg] = true
		}
		for pkg := range usageMs {
			packages[pkg] = true
		}
		for pkg := range open {
			packages[pkg] = true
		}
	}

	rows := make([]packageStats, 0, len(packages))
	for pkg := range packages {
		row := packageStats{
			Package:     pkg,
			Used:        time.Duration(usageMs[pkg]) * time.Millisecond,
			Opens:       opens[pkg],
			BlocksToday: attempts[pkg],
			BlocksTotal: snap.Rules[pkg].Attempts,
			Blocked:     policy.Decide(pkg, now, snap, policy.SessionState{}, nil).Blocked(),
		}
		if start, ok := open[pkg]; ok {
			row.Used += policy.SessionState{Package: pkg, Start: start}.ElapsedToday(now)
			row.ActiveSession = true
		}
		if limit, ok := snap.Limits[pkg]; ok && limit.Enabled {
			row.Limit = limit.DailyLimit
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Used != rows[j].Used {
			return rows[i].Used > rows[j].Used
		}
		return rows[i].Package < rows[j].Package
	})

	printStats(date, rows)
	return nil
}

// printStats prints one line per package
func printStats(date string, rows []packageStats) {
	cyan := color.New(color.FgCyan, color.Bold)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Printf("USAGE FOR %s\n", date)
	fmt.Println()

	if len(rows) == 0 {
		fmt.Println("No usage recorded and no rules configured.")
		fmt.Println()
		return
	}

	cyan.Printf("%-40s %10s %10s %6s %14s\n", "PACKAGE", "USED", "LIMIT", "OPENS", "BLOCKS (T/ALL)")
	for _, row := range rows {
		limit := "-"
		if row.Limit > 0 {
			limit = row.Limit.String()
		}
		name := row.Package
		if row.ActiveSession {
			name += " *"
		}
		line := fmt.Sprintf("%-40s %10s %10s %6d %14s",
			name,
			row.Used.Round(time.Second),
			limit,
			row.Opens,
			fmt.Sprintf("%d/%d", row.BlocksToday, row.BlocksTotal),
		)

		switch {
		case row.Limit > 0 && row.Used >= row.Limit:
			red.Println(line)
		case row.Blocked:
			yellow.Println(line)
		default:
			fmt.Println(line)
		}
	}

	fmt.Println()
	fmt.Println("* open session, included in USED")
	fmt.Println()
}
