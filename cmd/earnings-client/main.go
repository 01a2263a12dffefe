// Command earnings-client logs in to the earnings API, shows a locally
// predicted balance between server syncs, and can claim offline earnings.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/inaiurai/idleclaim/internal/client"
	"github.com/inaiurai/idleclaim/internal/predictor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		server   string
		email    string
		password string
		name     string
		register bool
		claim    bool
		interval time.Duration
		resync   time.Duration
		verbose  bool
	)
	flagSet := pflag.NewFlagSet("earnings-client", pflag.ContinueOnError)
	flagSet.StringVar(&server, "server", "http://localhost:8080", "earnings API base URL")
	flagSet.StringVar(&email, "email", "", "account email")
	flagSet.StringVar(&password, "password", "", "account password (default: $EARNINGS_PASSWORD)")
	flagSet.StringVar(&name, "name", "", "display name used with --register")
	flagSet.BoolVar(&register, "register", false, "create the account before logging in")
	flagSet.BoolVar(&claim, "claim", false, "claim offline earnings and exit")
	flagSet.DurationVar(&interval, "interval", predictor.DefaultInterval, "display refresh interval")
	flagSet.DurationVar(&resync, "resync", time.Minute, "authoritative status refresh interval")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if password == "" {
		password = os.Getenv("EARNINGS_PASSWORD")
	}
	if email == "" || password == "" {
		return fmt.Errorf("--email and --password (or EARNINGS_PASSWORD) are required")
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.New(server, nil)
	if register {
		var apiErr *client.APIError
		if err := api.Register(ctx, email, password, name); err != nil && !(errors.As(err, &apiErr) && apiErr.StatusCode == 409) {
			return fmt.Errorf("register: %w", err)
		}
	}
	if err := api.Login(ctx, email, password); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	p := predictor.New(predictor.Options{
		Interval: interval,
		Sink: func(e predictor.Estimate) {
			if e.Predicted {
				fmt.Printf("%s  balance %d  +%d pending (estimate)\n", e.At.Format(time.TimeOnly), e.Balance, e.Pending)
				return
			}
			fmt.Printf("%s  balance %d\n", e.At.Format(time.TimeOnly), e.Display)
		},
		Logger: log,
	})

	if claim {
		return claimOnce(ctx, api, p, log)
	}

	if err := syncStatus(ctx, api, p); err != nil {
		return err
	}
	p.Refresh()
	p.Start(ctx)
	defer p.Stop()

	ticker := time.NewTicker(resync)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := syncStatus(ctx, api, p); err != nil {
				// Keep showing the last estimate; the server is authoritative
				// again on the next successful sync.
				log.WithError(err).Warn("status sync failed")
				continue
			}
			p.Refresh()
		}
	}
}

func syncStatus(ctx context.Context, api *client.Client, p *predictor.Predictor) error {
	st, err := api.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	p.Sync(predictor.Snapshot{
		Balance:       st.CurrentBalance,
		RatePerHour:   st.RatePerHour,
		LastAccrualAt: st.LastClaimTime,
		MaxWindow:     st.MaxWindow(),
	})
	return nil
}

func claimOnce(ctx context.Context, api *client.Client, p *predictor.Predictor, log logrus.FieldLogger) error {
	res, err := api.Claim(ctx)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			return fmt.Errorf("claim: %w (retry in %s)", err, apiErr.RetryAfter)
		}
		return fmt.Errorf("claim: %w", err)
	}
	if res.Claimed == 0 {
		msg := fmt.Sprintf("nothing to claim; balance %d", res.NewBalance)
		if res.NextClaimIn != nil {
			msg += fmt.Sprintf(", next unit in %ds", *res.NextClaimIn)
		}
		fmt.Println(msg)
	} else {
		fmt.Printf("claimed %d; balance %d\n", res.Claimed, res.NewBalance)
	}
	p.SyncClaim(claimOutcome(res))
	// Best effort: the claim response already replaced the snapshot.
	if err := syncStatus(ctx, api, p); err != nil {
		log.WithError(err).Warn("status sync after claim failed")
	}
	p.Refresh()
	return nil
}

func claimOutcome(res *client.ClaimResult) predictor.ClaimOutcome {
	out := predictor.ClaimOutcome{Claimed: res.Claimed, NewBalance: res.NewBalance}
	if res.RatePerHour != nil {
		out.RatePerHour = *res.RatePerHour
	}
	if res.ClaimedAt != nil {
		out.ClaimedAt = *res.ClaimedAt
	}
	return out
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `earnings-client shows offline earnings for one account.

Without --claim it keeps a locally predicted balance on screen and
re-syncs with the server every --resync interval.

Usage:
  earnings-client --email EMAIL [flags]

Flags:
%s`, flagSet.FlagUsages())
}
