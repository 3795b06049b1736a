// nest-cli is a command-line client for a nestd node and the owner
// keystore.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Klingon-tech/timelocknest/config"
	"github.com/Klingon-tech/timelocknest/internal/rpcclient"
	"github.com/Klingon-tech/timelocknest/internal/wallet"
	"github.com/spf13/cobra"
)

// rootOptions holds the global flags shared by every command.
type rootOptions struct {
	RPC     string
	DataDir string
	Network string
	JSON    bool
}

// rpcURL returns --rpc or the default endpoint for the network.
func (o *rootOptions) rpcURL() string {
	if o.RPC != "" {
		return o.RPC
	}
	cfg := config.Default(config.NetworkType(o.Network))
	return fmt.Sprintf("http://%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
}

func (o *rootOptions) client() *rpcclient.Client {
	return rpcclient.New(o.rpcURL())
}

// keystore opens <datadir>/<network>/keystore, the same layout nestd uses.
func (o *rootOptions) keystore() (*wallet.Keystore, error) {
	return wallet.NewKeystore(filepath.Join(o.DataDir, o.Network, "keystore"))
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "nest-cli",
		Short:         "Client for the Time-Locked Nest daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch config.NetworkType(opts.Network) {
			case config.Mainnet, config.Testnet:
				return nil
			default:
				return fmt.Errorf("invalid network %q: must be mainnet or testnet", opts.Network)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.RPC, "rpc", "", "RPC endpoint (default: local node for --network)")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "datadir", config.DefaultDataDir(), "data directory")
	cmd.PersistentFlags().StringVar(&opts.Network, "network", string(config.Mainnet), "mainnet or testnet")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print raw JSON results")

	cmd.AddCommand(newKeysCommand(opts))
	cmd.AddCommand(newNestCommand(opts))
	cmd.AddCommand(newBalanceCommand(opts))
	cmd.AddCommand(newNodeCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nest-cli version %s\n", config.Version)
		},
	})

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
