package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/signatory"
	"github.com/keithlinneman/signatory/keystore"
	"github.com/keithlinneman/signatory/signature"
)

// maxMessage caps what sign and verify read from a file or stdin.
const maxMessage = 64 << 20

func signCmd(root *rootOptions) *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "sign <label> [--in file]",
		Short: "Sign a message and print the hex signature",
		Long:  "Sign reads the message from --in, or stdin when --in is empty or -.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			label, err := keystore.ParseLabel(args[0])
			if err != nil {
				return err
			}
			msg, err := readMessage(cmd, in)
			if err != nil {
				return err
			}
			ks, err := root.open(false)
			if err != nil {
				return err
			}
			doc, err := ks.Load(cmd.Context(), label)
			if err != nil {
				return err
			}
			defer doc.Zeroize()

			ring := signatory.NewKeyRing()
			if _, err := ring.ImportPKCS8(args[0], doc); err != nil {
				return err
			}
			sig, _, err := ring.Sign(cmd.Context(), args[0], msg)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(sig))
			return err
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "message file (default stdin)")
	return cmd
}

func verifyCmd() *cobra.Command {
	var alg, pubHex, sigHex, in string
	cmd := &cobra.Command{
		Use:   "verify --alg algorithm --pubkey hex --sig hex [--in file]",
		Short: "Verify a signature against a public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := signature.ParseAlgorithm(alg)
			if err != nil {
				return err
			}
			pub, err := hex.DecodeString(pubHex)
			if err != nil {
				return fmt.Errorf("--pubkey: %w", err)
			}
			sig, err := hex.DecodeString(sigHex)
			if err != nil {
				return fmt.Errorf("--sig: %w", err)
			}
			msg, err := readMessage(cmd, in)
			if err != nil {
				return err
			}
			if err := signatory.Verify(a, pub, msg, sig); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return err
		},
	}
	cmd.Flags().StringVar(&alg, "alg", "", "signature algorithm")
	cmd.Flags().StringVar(&pubHex, "pubkey", "", "public key, hex")
	cmd.Flags().StringVar(&sigHex, "sig", "", "signature, hex")
	cmd.Flags().StringVar(&in, "in", "", "message file (default stdin)")
	_ = cmd.MarkFlagRequired("alg")
	_ = cmd.MarkFlagRequired("pubkey")
	_ = cmd.MarkFlagRequired("sig")
	return cmd
}

func readMessage(cmd *cobra.Command, path string) ([]byte, error) {
	var r io.Reader = cmd.InOrStdin()
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	msg, err := io.ReadAll(io.LimitReader(r, maxMessage+1))
	if err != nil {
		return nil, err
	}
	if len(msg) > maxMessage {
		return nil, fmt.Errorf("message larger than %d bytes", maxMessage)
	}
	return msg, nil
}
