// Command pumpctl is an operator CLI for the game engine: it creates
// signing identities, signs claims, and reads ledger and round state.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/pumpdump/game-engine/internal/auth"
)

var (
	success = color.New(color.FgGreen, color.Bold)
	danger  = color.New(color.FgRed, color.Bold)
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		danger.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	server string
	secret string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "pumpctl",
		Short:         "Operator CLI for the pump/dump game engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("PUMPCTL_SERVER", "http://localhost:8080"), "engine base URL")
	root.PersistentFlags().StringVar(&opts.secret, "secret", os.Getenv("PUMPCTL_SECRET"), "base58 ed25519 seed of the signing identity")

	root.AddCommand(
		newKeygenCmd(),
		newSignClaimCmd(opts),
		newClaimCmd(opts),
		newBalanceCmd(opts),
		newBetsCmd(opts),
		newGamesCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (o *options) keypair() (*auth.Keypair, error) {
	if o.secret == "" {
		return nil, fmt.Errorf("no identity: pass --secret or set PUMPCTL_SECRET")
	}
	return auth.KeypairFromSecret(o.secret)
}

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func parseAmount(s string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q: %w", s, err)
	}
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(0)) {
		return decimal.Zero, fmt.Errorf("amount must be a positive whole number of e8s, got %s", s)
	}
	return amount, nil
}

func table(w io.Writer, header []string, rows [][]string) error {
	t := tablewriter.NewWriter(w)
	t.Header(cells(header)...)
	for _, row := range rows {
		if err := t.Append(cells(row)...); err != nil {
			return err
		}
	}
	return t.Render()
}

func cells(row []string) []any {
	out := make([]any, len(row))
	for i, v := range row {
		out[i] = v
	}
	return out
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create a new signing identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := auth.GenerateKeypair()
			if err != nil {
				return err
			}
			return table(cmd.OutOrStdout(), []string{"Field", "Value"}, [][]string{
				{"principal", kp.Principal},
				{"secret", kp.Secret()},
			})
		},
	}
}

func newSignClaimCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sign-claim <amount>",
		Short: "Print the signature of a claim without sending it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := opts.keypair()
			if err != nil {
				return err
			}
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), kp.Sign(auth.ClaimMessage(kp.Principal, amount)))
			return nil
		},
	}
}

func newClaimCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <amount>",
		Short: "Withdraw amount e8s to the identity's wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := opts.keypair()
			if err != nil {
				return err
			}
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			sig := kp.Sign(auth.ClaimMessage(kp.Principal, amount))
			if err := newClient(opts.server).Claim(ctx, kp.Principal, amount, sig); err != nil {
				return err
			}
			success.Fprintf(cmd.OutOrStdout(), "claimed %s for %s\n", amount, kp.Principal)
			return nil
		},
	}
}

func newBalanceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-canister>",
		Short: "Show a user's effective balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			c := newClient(opts.server)
			info, err := c.Balance(ctx, args[0])
			if err != nil {
				return err
			}
			games, err := c.GameCount(ctx, args[0])
			if err != nil {
				return err
			}
			return table(cmd.OutOrStdout(), []string{"Balance", "Withdrawable", "Airdrop", "Games"}, [][]string{{
				info.Balance.String(),
				info.Withdrawable.String(),
				info.NetAirdropReward.String(),
				strconv.FormatUint(games, 10),
			}})
		},
	}
}

func newBetsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "bets <game-canister> <token-root> <user-canister>",
		Short: "Show a user's bets in the current round",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			t, err := newClient(opts.server).Bets(ctx, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return table(cmd.OutOrStdout(), []string{"Pumps", "Dumps"}, [][]string{{
				strconv.FormatUint(t.Pumps, 10),
				strconv.FormatUint(t.Dumps, 10),
			}})
		},
	}
}

func newGamesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "games <user-canister>",
		Short: "List games not yet settled on-chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			games, err := newClient(opts.server).Uncommitted(ctx, args[0])
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(games))
			for _, g := range games {
				switch {
				case g.Pending != nil:
					rows = append(rows, []string{"pending", g.Pending.TokenRoot, "", "", "", ""})
				case g.Completed != nil:
					c := g.Completed
					rows = append(rows, []string{
						"completed",
						c.TokenRoot,
						string(c.Outcome),
						strconv.FormatUint(c.Pumps, 10),
						strconv.FormatUint(c.Dumps, 10),
						c.Amount.String(),
					})
				}
			}
			return table(cmd.OutOrStdout(), []string{"State", "Token", "Outcome", "Pumps", "Dumps", "Reward"}, rows)
		},
	}
}
