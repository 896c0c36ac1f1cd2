package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sessiongate/cmd/internal/arbiter"
	"sessiongate/cmd/internal/sessionset"
)

func newSessionsCmd(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage an account's active sessions",
		Long: `Operator tooling over the configured store:
  - list the active sessions of an account
  - remove a session (the device is admitted again on its next request)
  - evict a session in favor of another (the evicted device sees a revoked session)`,
	}
	cmd.AddCommand(newSessionsListCmd(rf), newSessionsRemoveCmd(rf), newSessionsEvictCmd(rf))
	return cmd
}

// withArbiter opens the backend, builds an arbiter over it and runs fn.
func withArbiter(cmd *cobra.Command, rf *rootFlags, fn func(*arbiter.Arbiter) error) error {
	b, cfg, err := openBackend(cmd, rf, false)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	arb, err := arbiter.New(b.Store, cfg.Arbiter,
		arbiter.WithGuard(b.Guard),
		arbiter.WithLogger(rf.toolLogger(cmd, cfg)),
	)
	if err != nil {
		return err
	}
	return fn(arb)
}

func newSessionsListCmd(rf *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list <account-id>",
		Short: "List active sessions in admission order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArbiter(cmd, rf, func(arb *arbiter.Arbiter) error {
				set, err := arb.ActiveSessions(cmd.Context(), args[0])
				if errors.Is(err, sessionset.ErrAccountNotFound) {
					return fmt.Errorf("account not found: %s", args[0])
				}
				if err != nil {
					return fmt.Errorf("failed to list sessions: %w", err)
				}

				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(map[string]any{"accountId": args[0], "sessions": set})
				}
				if len(set) == 0 {
					printf(out, "No active sessions.\n")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				printf(w, "INDEX\tSESSION\n")
				for i, sid := range set {
					printf(w, "%d\t%s\n", i+1, sid)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSessionsRemoveCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <account-id> <session-id>",
		Short: "Remove a session from the active set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArbiter(cmd, rf, func(arb *arbiter.Arbiter) error {
				out, err := arb.RemoveSession(cmd.Context(), args[0], args[1])
				if err != nil {
					return fmt.Errorf("failed to remove session: %w", err)
				}
				printf(cmd.OutOrStdout(), "%s\n", out)
				return nil
			})
		},
	}
}

func newSessionsEvictCmd(rf *rootFlags) *cobra.Command {
	var replacement string
	cmd := &cobra.Command{
		Use:   "evict <account-id> <victim-session-id> --for <session-id>",
		Short: "Evict a session and admit another in its place",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArbiter(cmd, rf, func(arb *arbiter.Arbiter) error {
				res, err := arb.ResolveConflict(cmd.Context(), args[0], args[1], replacement)
				if err != nil {
					return fmt.Errorf("failed to evict session: %w", err)
				}
				if res.Resolution != arbiter.ResolutionResolved {
					return fmt.Errorf("eviction refused: %s", res.Resolution)
				}
				printf(cmd.OutOrStdout(), "%s\n", res.Resolution)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&replacement, "for", "", "session id admitted in place of the victim")
	_ = cmd.MarkFlagRequired("for")
	return cmd
}
