package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/coder/quartz"
	"github.com/fatih/color"
	"github.com/goodtune/lexgate/internal/config"
	"github.com/goodtune/lexgate/internal/storage"
	"github.com/goodtune/lexgate/internal/subscription"
	"github.com/goodtune/lexgate/internal/usage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	checkProfile string
	checkPremium bool
	checkTotal   int
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check governance decisions interactively",
	Long:  `Check what stale time, daily limit or content gate lexgate would apply.`,
}

var checkStaleTimeCmd = &cobra.Command{
	Use:   "stale-time KEY [KEY...]",
	Short: "Resolve the stale time of a query key",
	Example: `  lexgate check stale-time noticias-juridicas
  lexgate -c config.yaml check stale-time vade-mecum art-5`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheckStaleTime,
}

var checkUsageCmd = &cobra.Command{
	Use:   "usage [flags] FEATURE",
	Short: "Show today's usage of a feature for a profile",
	Example: `  lexgate check usage --profile u123 resumo-ia
  lexgate check usage --profile u123 --premium flashcards-ia`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckUsage,
}

var checkGateCmd = &cobra.Command{
	Use:   "gate [flags] CATEGORY",
	Short: "Show how a content list would be gated",
	Example: `  lexgate check gate --total 40 flashcards
  lexgate check gate --total 12 --premium artigos`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckGate,
}

func init() {
	checkUsageCmd.Flags().StringVar(&checkProfile, "profile", "", "Profile id (required)")
	checkUsageCmd.Flags().BoolVar(&checkPremium, "premium", false, "Treat the profile as a subscriber")
	_ = checkUsageCmd.MarkFlagRequired("profile")

	checkGateCmd.Flags().IntVar(&checkTotal, "total", 0, "Number of items in the list (required)")
	checkGateCmd.Flags().StringVar(&checkProfile, "profile", "", "Profile id used to look up the subscription")
	checkGateCmd.Flags().BoolVar(&checkPremium, "premium", false, "Treat the caller as a subscriber")
	_ = checkGateCmd.MarkFlagRequired("total")

	// Add subcommands
	checkCmd.AddCommand(checkStaleTimeCmd)
	checkCmd.AddCommand(checkUsageCmd)
	checkCmd.AddCommand(checkGateCmd)
	rootCmd.AddCommand(checkCmd)
}

// checkGovernance loads the configuration and builds the primitives. Without
// persistent storage the counters live in memory.
func checkGovernance(persistent bool) (*governance, storage.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	var store storage.Store = storage.NewMemory()
	if persistent {
		store, err = openStorage(cfg.Storage)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
	}

	gov, err := buildGovernance(cfg, store, quartz.NewReal(), logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return gov, store, nil
}

func checkStatus(ctx context.Context, gov *governance) subscription.Status {
	if checkPremium {
		return subscription.Status{IsPremium: true}
	}
	if checkProfile == "" {
		return subscription.Status{}
	}
	status, _ := gov.subscriptions.Status(ctx, checkProfile)
	return status
}

func runCheckStaleTime(cmd *cobra.Command, args []string) error {
	gov, store, err := checkGovernance(false)
	if err != nil {
		return err
	}
	defer store.Close()

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow)

	printHeader(cyan, "STALE TIME CHECK")

	ttl, matched := gov.staleTimes.Match(args[0])
	fmt.Printf("Query key:  [%s]\n", strings.Join(args, ", "))
	fmt.Printf("Resolved:   %s\n", args[0])
	fmt.Println()

	cyan.Print("Stale time: ")
	_, _ = green.Println(ttl)
	if matched != "" {
		fmt.Printf("            → matched table entry %q\n", matched)
	} else {
		_, _ = yellow.Println("            → no entry matched, default applied")
	}

	printFooter(cyan)
	return nil
}

func runCheckUsage(cmd *cobra.Command, args []string) error {
	feature := args[0]

	gov, store, err := checkGovernance(true)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	status := checkStatus(ctx, gov)
	state := gov.limiter.Load(ctx, checkProfile, feature, status).State()
	limit, configured := gov.limits.Lookup(feature)

	printUsageResult(feature, status, limit, configured, state, gov.limiter.Today())
	return nil
}

func runCheckGate(cmd *cobra.Command, args []string) error {
	category := args[0]
	if checkTotal < 0 {
		return fmt.Errorf("total must not be negative: %d", checkTotal)
	}

	gov, store, err := checkGovernance(false)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	status := checkStatus(ctx, gov)

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	printHeader(cyan, "CONTENT GATE CHECK")

	policy, configured := gov.gate.Policy(category)
	fmt.Printf("Category:   %s\n", category)
	switch {
	case !configured:
		fmt.Printf("Policy:     default fraction %.0f%%\n", policy.Fraction*100)
	case policy.IsCount():
		fmt.Printf("Policy:     first %d items\n", policy.Count)
	default:
		fmt.Printf("Policy:     fraction %.0f%%\n", policy.Fraction*100)
	}
	fmt.Printf("Subscriber: %s\n", status.Tier())
	fmt.Printf("Total:      %d\n", checkTotal)
	fmt.Println()

	cutoff := gov.gate.Cutoff(checkTotal, category, status)
	cyan.Print("Decision:   ")
	if cutoff >= checkTotal {
		_, _ = green.Println("OPEN")
		fmt.Printf("            → all %d items visible\n", checkTotal)
	} else {
		_, _ = red.Println("PARTIAL")
		fmt.Printf("            → items 0..%d visible\n", cutoff-1)
		fmt.Printf("            → %d items locked behind the subscription\n", checkTotal-cutoff)
	}
	fmt.Printf("            → limit percentage %d%%\n", gov.gate.LimitPercentage(checkTotal, category, status))

	printFooter(cyan)
	return nil
}

// printUsageResult prints the usage check result with colors
func printUsageResult(feature string, status subscription.Status, limit usage.Limit, configured bool, state usage.State, today string) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	printHeader(cyan, "DAILY USAGE CHECK")

	fmt.Printf("Feature:    %s\n", feature)
	fmt.Printf("Profile:    %s\n", checkProfile)
	fmt.Printf("Subscriber: %s\n", status.Tier())
	fmt.Printf("Day:        %s\n", today)
	if configured {
		fmt.Printf("Limits:     free %d, premium %d\n", limit.Free, limit.Premium)
	} else {
		_, _ = yellow.Printf("Limits:     free %d, premium %d (default)\n", limit.Free, limit.Premium)
	}
	fmt.Println()

	cyan.Print("Decision:   ")
	if state.CanUse {
		_, _ = green.Println("ALLOWED")
	} else {
		_, _ = red.Println("LIMIT REACHED")
	}
	fmt.Printf("            → used %d today\n", state.UsedToday)
	if state.IsUnlimited {
		fmt.Println("            → unlimited")
	} else {
		fmt.Printf("            → %d of %d remaining\n", state.RemainingUses, state.LimitToday)
	}

	printFooter(cyan)
}

func printHeader(c *color.Color, title string) {
	fmt.Println()
	_, _ = c.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = c.Println(title)
	_, _ = c.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

func printFooter(c *color.Color) {
	fmt.Println()
	_, _ = c.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
