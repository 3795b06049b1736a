package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Klingon-tech/timelocknest/internal/nest"
	"github.com/Klingon-tech/timelocknest/internal/rpc"
	"github.com/Klingon-tech/timelocknest/internal/wallet"
	"github.com/Klingon-tech/timelocknest/pkg/types"
	"github.com/spf13/cobra"
)

func newNestCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nest",
		Short: "Create, inspect and withdraw from nests",
	}
	cmd.AddCommand(newNestCreateCommand(root))
	cmd.AddCommand(newNestInfoCommand(root))
	cmd.AddCommand(newNestUserCommand(root))
	cmd.AddCommand(newNestWithdrawCommand(root))
	cmd.AddCommand(newNestListCommand(root))
	cmd.AddCommand(newNestEventsCommand(root))
	return cmd
}

func parseNestID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid nest id %q", s)
	}
	return id, nil
}

func newNestCreateCommand(root *rootOptions) *cobra.Command {
	var owners, unlock string
	var required uint64

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a nest",
		Example: `  nest-cli nest create --owners 0xaa..,0xbb.. --unlock +720h --required 2
  nest-cli nest create --owners 0xaa.. --unlock 2027-01-01T00:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := parseOwners(owners)
			if err != nil {
				return err
			}
			unlockTime, err := parseUnlockTime(unlock, time.Now())
			if err != nil {
				return err
			}
			if required == 0 {
				required = uint64(len(list))
			}

			var res rpc.NestCreateResult
			err = root.client().Call("nest_create", rpc.NestCreateParam{
				Owners:     list,
				UnlockTime: unlockTime,
				Required:   required,
			}, &res)
			if err != nil {
				return fmt.Errorf("nest_create: %w", err)
			}
			if root.JSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Nest %d created (unlocks %s, %d of %d confirmations)\n",
				res.NestID, formatUnix(unlockTime), required, len(list))
			return nil
		},
	}
	cmd.Flags().StringVar(&owners, "owners", "", "comma-separated owner addresses")
	cmd.Flags().StringVar(&unlock, "unlock", "", "unlock time: unix seconds, RFC 3339 or +duration")
	cmd.Flags().Uint64Var(&required, "required", 0, "confirmations needed (default: all owners)")
	cmd.MarkFlagRequired("owners")
	cmd.MarkFlagRequired("unlock")
	return cmd
}

func newNestInfoCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <nest_id>",
		Short: "Show a nest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNestID(args[0])
			if err != nil {
				return err
			}
			var info nest.Info
			if err := root.client().Call("nest_getInfo", rpc.NestIDParam{NestID: id}, &info); err != nil {
				return fmt.Errorf("nest_getInfo: %w", err)
			}
			if root.JSON {
				return printJSON(cmd.OutOrStdout(), info)
			}
			printInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

func printInfo(w io.Writer, info nest.Info) {
	fmt.Fprintf(w, "Nest:          %d\n", info.ID)
	fmt.Fprintf(w, "State:         %s\n", info.State)
	fmt.Fprintf(w, "Unlock time:   %s\n", formatUnix(info.UnlockTime))
	fmt.Fprintf(w, "Confirmations: %d / %d\n", info.Confirmations, info.Required)
	fmt.Fprintf(w, "Withdrawn:     %v\n", info.Withdrawn)
	fmt.Fprintf(w, "State hash:    %s\n", info.StateHash)
	fmt.Fprintln(w, "Owners:")
	for _, o := range info.Owners {
		fmt.Fprintf(w, "  %s\n", o)
	}
}

func newNestUserCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "user <address>",
		Short: "Show the nest an address is bound to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := types.ParseAddress(args[0])
			if err != nil {
				return err
			}
			var res rpc.UserNestResult
			if err := root.client().Call("nest_getUserNest", rpc.AddressParam{Address: addr}, &res); err != nil {
				return fmt.Errorf("nest_getUserNest: %w", err)
			}
			if root.JSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			if !res.Found {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not in a nest\n", addr)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is in nest %d\n", addr, res.NestID)
			return nil
		},
	}
}

func newNestWithdrawCommand(root *rootOptions) *cobra.Command {
	var keystoreName, owner string
	var index uint32

	cmd := &cobra.Command{
		Use:   "withdraw <nest_id>",
		Short: "Confirm a withdrawal as an owner",
		Long: `Confirm a withdrawal as an owner.

The owner key is unlocked from the local keystore and signs the withdraw
digest for the nest; the node recovers the caller from the signature.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNestID(args[0])
			if err != nil {
				return err
			}
			ks, err := root.keystore()
			if err != nil {
				return err
			}
			password, err := readPassword("Enter password: ")
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}

			var acct *wallet.Account
			if owner != "" {
				addr, perr := types.ParseAddress(owner)
				if perr != nil {
					return perr
				}
				acct, err = ks.AccountByAddress(keystoreName, password, addr)
			} else {
				acct, err = ks.Account(keystoreName, password, index)
			}
			if err != nil {
				return err
			}
			caller := acct.Address
			sig, err := nest.SignWithdraw(acct.Key, id)
			acct.Lock()
			if err != nil {
				return err
			}

			var res rpc.WithdrawResult
			err = root.client().Call("nest_withdraw", rpc.NestWithdrawParam{
				NestID:    id,
				Signature: "0x" + hex.EncodeToString(sig),
				Caller:    &caller,
			}, &res)
			if err != nil {
				return fmt.Errorf("nest_withdraw: %w", err)
			}
			if root.JSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Confirmed by %s: %d confirmations", res.Caller, res.Confirmations)
			if res.Withdrawn {
				fmt.Fprint(cmd.OutOrStdout(), ", nest withdrawn")
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVar(&keystoreName, "keystore", "", "keystore name")
	cmd.Flags().StringVar(&owner, "owner", "", "owner address (default: account at --index)")
	cmd.Flags().Uint32Var(&index, "index", 0, "account index")
	cmd.MarkFlagRequired("keystore")
	return cmd
}

func newNestListCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all nests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var infos []nest.Info
			if err := root.client().Call("nest_list", nil, &infos); err != nil {
				return fmt.Errorf("nest_list: %w", err)
			}
			out := cmd.OutOrStdout()
			if root.JSON {
				return printJSON(out, infos)
			}
			if len(infos) == 0 {
				fmt.Fprintln(out, "No nests.")
				return nil
			}
			fmt.Fprintf(out, "%-6s %-11s %-21s %-8s %s\n", "ID", "STATE", "UNLOCK", "CONFIRMS", "OWNERS")
			for _, info := range infos {
				fmt.Fprintf(out, "%-6d %-11s %-21s %3d/%-4d %d\n",
					info.ID, info.State, formatUnix(info.UnlockTime),
					info.Confirmations, info.Required, len(info.Owners))
			}
			return nil
		},
	}
}

func newNestEventsCommand(root *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent nest events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var events []nest.Event
			if err := root.client().Call("nest_events", rpc.EventsParam{Limit: limit}, &events); err != nil {
				return fmt.Errorf("nest_events: %w", err)
			}
			out := cmd.OutOrStdout()
			if root.JSON {
				return printJSON(out, events)
			}
			for _, ev := range events {
				fmt.Fprintln(out, formatEvent(ev))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum events (0 = all)")
	return cmd
}

func formatEvent(ev nest.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-13s nest=%d", time.Unix(ev.Time, 0).UTC().Format(time.RFC3339), ev.Kind, ev.NestID)
	switch ev.Kind {
	case nest.EventNestCreated:
		fmt.Fprintf(&b, " unlock=%s required=%d", formatUnix(ev.UnlockTime), ev.Required)
	case nest.EventUserInNest:
		if ev.User != nil {
			fmt.Fprintf(&b, " user=%s", ev.User)
		}
	}
	if ev.Remote {
		b.WriteString(" (remote)")
	}
	return b.String()
}
