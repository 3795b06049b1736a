package main

import (
	"fmt"

	"github.com/Klingon-tech/timelocknest/internal/wallet"
	"github.com/spf13/cobra"
)

func newKeysCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage owner keys in the local keystore",
	}
	cmd.AddCommand(newKeysNewCommand(root))
	cmd.AddCommand(newKeysImportCommand(root))
	cmd.AddCommand(newKeysAddCommand(root))
	cmd.AddCommand(newKeysListCommand(root))
	return cmd
}

func newKeysNewCommand(root *rootOptions) *cobra.Command {
	var name string
	var words int

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a keystore from a fresh mnemonic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mnemonic, err := wallet.GenerateMnemonic(words)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Mnemonic (write this down!):")
			fmt.Fprintf(out, "  %s\n\n", mnemonic)
			return createKeystore(cmd, root, name, mnemonic)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "keystore name")
	cmd.Flags().IntVar(&words, "words", wallet.Words24, "mnemonic length (12 or 24)")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newKeysImportCommand(root *rootOptions) *cobra.Command {
	var name, mnemonic string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create a keystore from an existing mnemonic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !wallet.ValidateMnemonic(mnemonic) {
				return wallet.ErrInvalidMnemonic
			}
			return createKeystore(cmd, root, name, wallet.NormalizeMnemonic(mnemonic))
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "keystore name")
	cmd.Flags().StringVar(&mnemonic, "mnemonic", "", "BIP-39 mnemonic")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("mnemonic")
	return cmd
}

// createKeystore stores the seed for mnemonic and derives owner 0.
func createKeystore(cmd *cobra.Command, root *rootOptions, name, mnemonic string) error {
	password, err := readNewPassword()
	if err != nil {
		return err
	}
	seed, err := wallet.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		return err
	}
	defer func() {
		for i := range seed {
			seed[i] = 0
		}
	}()

	ks, err := root.keystore()
	if err != nil {
		return err
	}
	if err := ks.Create(name, seed, password, wallet.DefaultParams()); err != nil {
		return fmt.Errorf("create keystore: %w", err)
	}
	acct, err := ks.NewAccount(name, password, "default")
	if err != nil {
		return fmt.Errorf("derive owner: %w", err)
	}
	defer acct.Lock()

	fmt.Fprintf(cmd.OutOrStdout(), "Keystore %q created\n", name)
	fmt.Fprintf(cmd.OutOrStdout(), "Owner:   %s (%s)\n", acct.Address, acct.Path)
	return nil
}

func newKeysAddCommand(root *rootOptions) *cobra.Command {
	var name, label string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Derive the next owner address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := root.keystore()
			if err != nil {
				return err
			}
			password, err := readPassword("Enter password: ")
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			acct, err := ks.NewAccount(name, password, label)
			if err != nil {
				return err
			}
			defer acct.Lock()
			fmt.Fprintf(cmd.OutOrStdout(), "Owner %d: %s (%s)\n", acct.Index, acct.Address, acct.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "keystore name")
	cmd.Flags().StringVar(&label, "label", "", "account label")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newKeysListCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list [name]",
		Short: "List keystores, or the owners in one keystore",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := root.keystore()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				entries, err := ks.Accounts(args[0])
				if err != nil {
					return err
				}
				if root.JSON {
					return printJSON(out, entries)
				}
				for _, e := range entries {
					fmt.Fprintf(out, "%3d  %s  %-16s %s\n", e.Index, e.Address, e.Name, e.Path)
				}
				return nil
			}

			names, err := ks.List()
			if err != nil {
				return err
			}
			if root.JSON {
				return printJSON(out, names)
			}
			if len(names) == 0 {
				fmt.Fprintln(out, "No keystores found.")
			}
			for _, n := range names {
				fmt.Fprintln(out, n)
			}
			return nil
		},
	}
}
