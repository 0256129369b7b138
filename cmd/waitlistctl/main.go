// Command waitlistctl is the operator CLI: it runs notification scans by hand,
// prints waitlist stats, creates owners and mints owner tokens.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"

	"github.com/lalithlochan/waitlistq/internal/analytics"
	"github.com/lalithlochan/waitlistq/internal/auth"
	"github.com/lalithlochan/waitlistq/internal/config"
	"github.com/lalithlochan/waitlistq/internal/db"
	"github.com/lalithlochan/waitlistq/internal/notify"
	"github.com/lalithlochan/waitlistq/internal/observ"
	"github.com/lalithlochan/waitlistq/internal/redis"
)

const usage = `usage: waitlistctl <command> [args]

commands:
  scan <digest|expiry|milestones>   run one notification scan now
  lastrun <scan>                    show the last recorded run of a scan
  stats <waitlist-id>               print dashboard figures for a waitlist
  owner create -email <email>       create an owner account
  token <owner-id>                  mint an owner API token
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "token":
		return runToken(cfg, rest, out)
	case "scan", "lastrun", "stats", "owner":
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cmd == "lastrun" {
		return runLastRun(ctx, cfg, rest, out, logger)
	}

	if cfg.StoreDriver != config.StorePostgres {
		return fmt.Errorf("%s needs STORE_DRIVER=postgres", cmd)
	}
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	repo := db.NewRepository(database, logger)

	switch cmd {
	case "scan":
		return runScan(ctx, repo, rest, out, logger)
	case "stats":
		return runStats(ctx, repo, rest, out)
	default:
		return runOwner(ctx, repo, cfg, rest, out)
	}
}

func runScan(ctx context.Context, repo *db.Repository, args []string, out io.Writer, logger *zap.Logger) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: scan takes exactly one scan name", errUsage)
	}

	scanner := notify.NewScanner(repo, analytics.NewAggregator(repo), logger)
	report, err := scanner.Run(ctx, args[0], time.Now().UTC())
	if err != nil {
		return err
	}
	return printReport(out, report)
}

func runLastRun(ctx context.Context, cfg *config.Config, args []string, out io.Writer, logger *zap.Logger) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: lastrun takes exactly one scan name", errUsage)
	}
	if cfg.RedisHost == "" {
		return errors.New("lastrun needs REDIS_HOST")
	}

	client, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer client.Close()

	rec, err := redis.NewRunLock(client, 0, logger).LastRun(ctx, args[0])
	if err != nil {
		return err
	}
	if rec == nil {
		_, err := fmt.Fprintf(out, "no recorded run for %s\n", args[0])
		return err
	}
	return printRunRecord(out, rec)
}

func runStats(ctx context.Context, repo *db.Repository, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: stats takes a waitlist id", errUsage)
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid waitlist id: %w", err)
	}

	stats, err := analytics.NewAggregator(repo).Stats(ctx, id, time.Now().UTC())
	if err != nil {
		return err
	}
	return printStats(out, stats)
}

func runOwner(ctx context.Context, repo *db.Repository, cfg *config.Config, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] != "create" {
		return fmt.Errorf("%w: owner supports only 'create'", errUsage)
	}

	fs := flag.NewFlagSet("owner create", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	email := fs.String("email", "", "owner email")
	name := fs.String("name", "", "owner full name")
	plan := fs.String("plan", db.PlanFree, "plan name")
	limit := fs.Int("plan-limit", cfg.DefaultPlanLimit, "signups allowed per waitlist")
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *email == "" {
		return fmt.Errorf("%w: -email is required", errUsage)
	}

	owner := &db.Owner{
		ID:        uuid.New(),
		Email:     *email,
		Plan:      *plan,
		PlanLimit: *limit,
	}
	if *name != "" {
		owner.FullName = name
	}
	if err := repo.CreateOwner(ctx, owner); err != nil {
		return err
	}

	return printRows(out, [][]string{
		{"Owner", "Email", "Plan", "Limit"},
		{owner.ID.String(), owner.Email, owner.Plan, strconv.Itoa(owner.PlanLimit)},
	})
}

func runToken(cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	email := fs.String("email", "", "email claim")
	ttl := fs.Duration("ttl", auth.DefaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: token takes an owner id", errUsage)
	}

	ownerID, err := uuid.Parse(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid owner id: %w", err)
	}

	tok, err := auth.NewTokens(cfg.JWTSecret).Issue(ownerID, *email, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, tok)
	return err
}

// printRows renders rows with the first row as the header
func printRows(out io.Writer, rows [][]string) error {
	table := tablewriter.NewWriter(out)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render table: %w", err)
	}
	return nil
}

func printReport(out io.Writer, r *notify.Report) error {
	rows := [][]string{
		{"Scan", "Processed", "Notified", "Skipped", "Errors"},
		{r.Scan, strconv.Itoa(r.Processed), strconv.Itoa(r.Notified), strconv.Itoa(r.Skipped), strconv.Itoa(len(r.Errors))},
	}
	if err := printRows(out, rows); err != nil {
		return err
	}
	for _, e := range r.Errors {
		if _, err := fmt.Fprintf(out, "  %s\n", e); err != nil {
			return err
		}
	}
	return nil
}

func printRunRecord(out io.Writer, rec *redis.RunRecord) error {
	return printRows(out, [][]string{
		{"Scan", "Processed", "Notified", "Skipped", "Errors", "Finished"},
		{
			rec.Scan,
			strconv.Itoa(rec.Processed),
			strconv.Itoa(rec.Notified),
			strconv.Itoa(rec.Skipped),
			strconv.Itoa(rec.Errors),
			time.Unix(rec.FinishedAt, 0).UTC().Format(time.RFC3339),
		},
	})
}

func printStats(out io.Writer, s *analytics.Stats) error {
	conversion := "n/a"
	if s.ConversionRate != nil {
		conversion = strconv.FormatFloat(*s.ConversionRate, 'f', 1, 64) + "%"
	}

	if err := printRows(out, [][]string{
		{"Subscribers", "This week", "Today", "Referrals", "Views", "Conversion"},
		{
			strconv.Itoa(s.TotalSubscribers),
			strconv.Itoa(s.WeeklySignups),
			strconv.Itoa(s.DailySignups),
			strconv.Itoa(s.TotalReferrals),
			strconv.Itoa(s.TotalViews),
			conversion,
		},
	}); err != nil {
		return err
	}

	if len(s.TopReferrers) == 0 {
		return nil
	}
	rows := [][]string{{"#", "Referrer", "Referrals"}}
	for i, ref := range s.TopReferrers {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			ref.DisplayName(),
			strconv.Itoa(ref.ReferralCount),
		})
	}
	return printRows(out, rows)
}
