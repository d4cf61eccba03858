package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/quotakit"
	"github.com/dmitrymomot/quotakit/pkg/entitlement"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

func newStatusCmd(load loader) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "status <user-id>",
		Short: "Show a user's plan, credits and trial sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), load, cmd.ErrOrStderr(), args[0], func(ctx context.Context, c *client) error {
				st, err := c.status(ctx, args[0], offline)
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "show the cached view without contacting the service")
	return cmd
}

func newCheckCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "check <user-id> <feature>",
		Short: "Evaluate whether a user may use a feature now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), load, cmd.ErrOrStderr(), args[0], func(ctx context.Context, c *client) error {
				if _, err := c.status(ctx, args[0], false); err != nil {
					return err
				}
				d, err := c.Evaluate(ctx, args[0], entitlement.Feature(args[1]))
				if err != nil {
					return err
				}
				if cost := d.Cost(); cost != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, costs one %s\n", args[1], d, cost)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[1], d)
				return nil
			})
		},
	}
}

func newConsumeCmd(load loader) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "consume <user-id> <feature>",
		Short: "Spend a daily credit on a feature",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), load, cmd.ErrOrStderr(), args[0], func(ctx context.Context, c *client) error {
				if _, err := c.status(ctx, args[0], false); err != nil {
					return err
				}
				cons, err := c.Consume(ctx, args[0], entitlement.Feature(args[1]))
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				snap := cons.Snapshot()
				fmt.Fprintf(out, "optimistic: %s, %d credits remaining\n", snap.State, snap.Remaining)
				if cons.Settled() && !snap.Applied {
					return nil
				}

				res, err := cons.AwaitWithTimeout(timeout)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "confirmed: %s, %d credits remaining\n", res.State, res.Remaining)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "wait", 15*time.Second, "how long to wait for the service to confirm the spend")
	return cmd
}

func newTrialCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "trial <user-id> <feature>",
		Short: "Use a trial session on a pro feature",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), load, cmd.ErrOrStderr(), args[0], func(ctx context.Context, c *client) error {
				if _, err := c.status(ctx, args[0], false); err != nil {
					return err
				}
				ok, err := c.UseTrial(ctx, args[0], entitlement.Feature(args[1]))
				if err != nil {
					return err
				}
				st, err := c.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "trial denied, %d of %d sessions remaining\n", st.TrialRemaining, st.TrialLimit)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "trial granted, %d of %d sessions remaining\n", st.TrialRemaining, st.TrialLimit)
				return nil
			})
		},
	}
}

func newUpgradeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade <user-id> <tier>",
		Short: "Move a user to a paid plan",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := entitlement.ParseTier(args[1])
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), load, cmd.ErrOrStderr(), args[0], func(ctx context.Context, c *client) error {
				st, err := c.Upgrade(ctx, args[0], tier)
				if err != nil {
					return err
				}
				printPlan(cmd.OutOrStdout(), args[0], st)
				return nil
			})
		},
	}
}

func newCancelCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <user-id>",
		Short: "Cancel a user's paid plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), load, cmd.ErrOrStderr(), args[0], func(ctx context.Context, c *client) error {
				st, err := c.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				printPlan(cmd.OutOrStdout(), args[0], st)
				return nil
			})
		},
	}
}

// status syncs with the service unless offline is set. A failed sync falls
// back to the cached view.
func (c *client) status(ctx context.Context, userID string, offline bool) (quotakit.Status, error) {
	if offline {
		return c.Status(ctx, userID)
	}
	st, err := c.Sync(ctx, userID)
	if errors.Is(err, quotakit.ErrSyncFailed) {
		c.log.WarnContext(ctx, "service unreachable, using cached state", logger.Error(err))
		return c.Status(ctx, userID)
	}
	return st, err
}

func printStatus(w io.Writer, st quotakit.Status) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "User:\t%s\n", st.UserID)
	fmt.Fprintf(tw, "Plan:\t%s (%s)\n", st.Record.Tier, st.Record.Status)
	if st.Record.ExpiresAt != nil {
		fmt.Fprintf(tw, "Expires:\t%s\n", st.Record.ExpiresAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(tw, "Source:\t%s\n", st.Origin)
	fmt.Fprintf(tw, "Credits:\t%d of %d remaining\n", st.CreditsRemaining, st.CreditsLimit)
	fmt.Fprintf(tw, "Trials:\t%d of %d remaining\n", st.TrialRemaining, st.TrialLimit)
	if st.InFlight > 0 {
		fmt.Fprintf(tw, "Pending:\t%d\n", st.InFlight)
	}
	fmt.Fprintf(tw, "Resets in:\t%s\n", st.TimeUntilReset.Round(time.Minute))
	tw.Flush()
}

func printPlan(w io.Writer, userID string, st subscription.State) {
	fmt.Fprintf(w, "%s is now on %s (%s)\n", userID, st.Record.Tier, st.Record.Status)
}
