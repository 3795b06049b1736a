package main

import (
	"fmt"

	"github.com/Klingon-tech/timelocknest/internal/rpc"
	"github.com/Klingon-tech/timelocknest/pkg/types"
	"github.com/spf13/cobra"
)

func newBalanceCommand(root *rootOptions) *cobra.Command {
	var tokenID uint64
	var token string

	cmd := &cobra.Command{
		Use:   "balance <owner>",
		Short: "Ask the node's oracle whether an owner holds an encrypted balance",
		Long: `Ask the node's oracle whether an owner holds an encrypted balance.

Pass --token-id for a numeric token or --token for a token contract address.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := types.ParseAddress(args[0])
			if err != nil {
				return err
			}

			var res rpc.HasBalanceResult
			if token != "" {
				tokenAddr, err := types.ParseAddress(token)
				if err != nil {
					return fmt.Errorf("token: %w", err)
				}
				err = root.client().Call("balance_hasEncryptedByAddress",
					rpc.HasEncryptedByAddressParam{Owner: owner, Token: tokenAddr}, &res)
				if err != nil {
					return fmt.Errorf("balance_hasEncryptedByAddress: %w", err)
				}
			} else {
				err = root.client().Call("balance_hasEncrypted",
					rpc.HasEncryptedParam{Owner: owner, TokenID: tokenID}, &res)
				if err != nil {
					return fmt.Errorf("balance_hasEncrypted: %w", err)
				}
			}

			if root.JSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Has balance: %v (source: %s)\n", res.HasBalance, res.Source)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&tokenID, "token-id", 0, "numeric token id")
	cmd.Flags().StringVar(&token, "token", "", "token contract address")
	cmd.MarkFlagsMutuallyExclusive("token-id", "token")
	return cmd
}
