// Command signatory manages a local key store and signs or verifies
// messages with it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/signatory/keystore"
)

const envKeyStore = "SIGNATORY_KEYSTORE"

type rootOptions struct {
	keyDir string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "signatory",
		Short:         "Generate, store and use signing keys",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultDir := os.Getenv(envKeyStore)
	if defaultDir == "" {
		defaultDir = "./keys"
	}
	cmd.PersistentFlags().StringVar(&opts.keyDir, "keystore", defaultDir, "key store directory (env "+envKeyStore+")")

	cmd.AddCommand(
		keygenCmd(opts),
		importCmd(opts),
		exportCmd(opts),
		listCmd(opts),
		deleteCmd(opts),
		signCmd(opts),
		verifyCmd(),
		versionCmd(),
	)
	return cmd
}

// open returns the key store, creating the directory when create is set.
func (o *rootOptions) open(create bool) (*keystore.FsKeyStore, error) {
	if create {
		return keystore.Create(o.keyDir)
	}
	return keystore.Open(o.keyDir)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "signatory:", err)
		stop()
		os.Exit(1)
	}
}
