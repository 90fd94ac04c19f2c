package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Elgammal1299/block-app/internal/cache"
	"github.com/Elgammal1299/block-app/internal/config"
	"github.com/Elgammal1299/block-app/internal/policy"
	"github.com/Elgammal1299/block-app/internal/usage"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	checkDay     string
	checkTime    string
	checkUsage   string
	checkSession string
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] PACKAGE",
	Short: "Check the decision for a package",
	Long:  `Check what blockd would decide if PACKAGE came to the foreground, using the rules in the configured store.`,
	Example: `  blockd check com.example.game
  blockd check --day saturday --time 21:30 com.example.game
  blockd check --usage 29m --session 2m com.example.social`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkDay, "day", "", "Day of week (monday, tuesday, etc.) - defaults to current day")
	checkCmd.Flags().StringVar(&checkTime, "time", "", "Time of day (HH:MM) - defaults to current time")
	checkCmd.Flags().StringVar(&checkUsage, "usage", "", "Recorded usage today (e.g. 29m) - defaults to the stored ledger")
	checkCmd.Flags().StringVar(&checkSession, "session", "", "Length of an open session for PACKAGE (e.g. 2m)")
	rootCmd.AddCommand(checkCmd)
}

// fixedUsage reports the same recorded usage for every package.
type fixedUsage time.Duration

func (u fixedUsage) TodayUsage(string) time.Duration {
	return time.Duration(u)
}

func runCheck(cmd *cobra.Command, args []string) error {
	pkg := args[0]

	checkAt := time.Now()
	if checkDay != "" || checkTime != "" {
		var err error
		checkAt, err = parseCheckTime(checkDay, checkTime)
		if err != nil {
			return fmt.Errorf("invalid time specification: %w", err)
		}
	}

	var session policy.SessionState
	if checkSession != "" {
		d, err := time.ParseDuration(checkSession)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid session length: %s", checkSession)
		}
		session = policy.SessionState{Package: pkg, Start: checkAt.Add(-d)}
	}

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

	snap, err := cache.LoadSnapshot(ctx, store.Config(), checkAt)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	var reader policy.UsageReader
	if checkUsage != "" {
		d, err := time.ParseDuration(checkUsage)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid usage: %s", checkUsage)
		}
		reader = fixedUsage(d)
	} else {
		ledger := usage.NewLedger(store.Counters(), logger)
		if err := ledger.Load(ctx); err != nil {
			return fmt.Errorf("failed to load usage: %w", err)
		}
		reader = ledger
	}

	decision := policy.Decide(pkg, checkAt, snap, session, reader)

	printCheckResult(pkg, checkAt, snap, reader.TodayUsage(pkg)+session.ElapsedToday(checkAt), decision)

	return nil
}

// printCheckResult prints the check result with colors
func printCheckResult(pkg string, at time.Time, snap *policy.Snapshot, used time.Duration, decision policy.Decision) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("BLOCK DECISION CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Package:    %s\n", pkg)
	fmt.Printf("Check Time: %s (%s)\n", at.Format("2006-01-02 15:04"), at.Weekday())
	fmt.Printf("Used Today: %s\n", used.Round(time.Second))

	if rule, ok := snap.Rules[pkg]; ok {
		source := "official"
		if rule.Dynamic && !rule.Official {
			source = "dynamic"
		} else if rule.Dynamic {
			source = "official+dynamic"
		}
		schedules := "always"
		if len(rule.ScheduleIDs) > 0 {
			schedules = strings.Join(rule.ScheduleIDs, ", ")
		}
		fmt.Printf("Rule:       blocked=%t source=%s schedules=%s attempts=%d\n", rule.Blocked, source, schedules, rule.Attempts)
	} else {
		fmt.Printf("Rule:       (none)\n")
	}

	if limit, ok := snap.Limits[pkg]; ok {
		fmt.Printf("Limit:      %s enabled=%t\n", limit.DailyLimit, limit.Enabled)
	}
	if snap.Focus.Active(at) {
		yellow.Printf("Focus:      active until %s (member=%t)\n", snap.Focus.Expiry.Format("15:04"), snap.Focus.Contains(pkg))
	}
	if snap.Unlock.Active(at) {
		yellow.Printf("Unlock:     active until %s\n", snap.Unlock.Expiry.Format("15:04:05"))
	}
	fmt.Println()

	cyan.Print("Decision:   ")
	switch decision.Action {
	case policy.ActionAllow:
		green.Println("ALLOW")
		fmt.Println("            → App stays in the foreground")
	case policy.ActionBlock:
		red.Println("BLOCK")
		fmt.Println("            → Block screen will cover the app")
	default:
		fmt.Printf("%s\n", decision.Action)
	}

	if decision.Reason != policy.ReasonNone {
		fmt.Printf("Reason:     %s\n", decision.Reason)
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

// parseCheckTime parses day and time flags into a time.Time in the coming
// week.
func parseCheckTime(dayStr, timeStr string) (time.Time, error) {
	return parseCheckTimeFrom(time.Now(), dayStr, timeStr)
}

func parseCheckTimeFrom(now time.Time, dayStr, timeStr string) (time.Time, error) {
	hour := now.Hour()
	minute := now.Minute()

	if timeStr != "" {
		parts := strings.Split(timeStr, ":")
		if len(parts) != 2 {
			return time.Time{}, fmt.Errorf("time must be in HH:MM format")
		}

		if _, err := fmt.Sscanf(timeStr, "%d:%d", &hour, &minute); err != nil {
			return time.Time{}, fmt.Errorf("invalid time format: %s", timeStr)
		}

		if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return time.Time{}, fmt.Errorf("invalid time: hour must be 0-23, minute must be 0-59")
		}
	}

	targetDay := policy.WeekdayOf(now)
	if dayStr != "" {
		var err error
		targetDay, err = policy.ParseWeekday(dayStr)
		if err != nil {
			return time.Time{}, err
		}
	}

	daysUntilTarget := int(targetDay - policy.WeekdayOf(now))
	if daysUntilTarget < 0 {
		daysUntilTarget += 7
	}

	targetDate := now.AddDate(0, 0, daysUntilTarget)
	return time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), hour, minute, 0, 0, now.Location()), nil
}
