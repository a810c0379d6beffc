package main

import (
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/signatory"
	"github.com/keithlinneman/signatory/keystore"
	"github.com/keithlinneman/signatory/pkcs8"
	"github.com/keithlinneman/signatory/signature"
)

func keygenCmd(root *rootOptions) *cobra.Command {
	var alg string
	cmd := &cobra.Command{
		Use:   "keygen <label> [--alg algorithm]",
		Short: "Generate a key and add it to the key store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			label, err := keystore.ParseLabel(args[0])
			if err != nil {
				return err
			}
			a, err := signature.ParseAlgorithm(alg)
			if err != nil {
				return err
			}
			ks, err := root.open(true)
			if err != nil {
				return err
			}
			doc, err := signatory.Generate(a, nil)
			if err != nil {
				return err
			}
			defer doc.Zeroize()
			if err := ks.Store(cmd.Context(), label, doc); err != nil {
				return err
			}
			return printPublicKey(cmd, doc)
		},
	}
	cmd.Flags().StringVar(&alg, "alg", string(signature.Ed25519), "ed25519|ecdsa-secp256k1|ecdsa-p256|ecdsa-p384")
	return cmd
}

func importCmd(root *rootOptions) *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "import <label> <pem-file>",
		Short: "Import a PKCS#8 PEM private key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			label, err := keystore.ParseLabel(args[0])
			if err != nil {
				return err
			}
			doc, err := pkcs8.ReadPEMFile(args[1])
			if err != nil {
				return err
			}
			defer doc.Zeroize()
			// reject keys no backend can sign with before storing them
			if _, err := signatory.SignerFromPKCS8(doc); err != nil {
				return err
			}
			ks, err := root.open(true)
			if err != nil {
				return err
			}
			if replace {
				err = ks.Replace(cmd.Context(), label, doc)
			} else {
				err = ks.Store(cmd.Context(), label, doc)
			}
			if err != nil {
				return err
			}
			return printPublicKey(cmd, doc)
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "overwrite an existing key with the same label")
	return cmd
}

func exportCmd(root *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export <label> [--format hex|pem]",
		Short: "Print a key's public half",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "hex" && format != "pem" {
				return fmt.Errorf("unknown format %q (want hex or pem)", format)
			}
			info, err := loadInfo(cmd, root, args[0])
			if err != nil {
				return err
			}
			if format == "hex" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(info.PublicKey))
				return err
			}
			der, err := pkcs8.MarshalPublicKeyInfo(info.Algorithm, info.PublicKey)
			if err != nil {
				return err
			}
			return pem.Encode(cmd.OutOrStdout(), &pem.Block{Type: "PUBLIC KEY", Bytes: der})
		},
	}
	cmd.Flags().StringVar(&format, "format", "hex", "hex (compressed point or raw key) or pem (SubjectPublicKeyInfo)")
	return cmd
}

func listCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List keys with their algorithm and public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ks, err := root.open(false)
			if err != nil {
				return err
			}
			ring := signatory.NewKeyRing()
			// unreadable keys are reported but do not hide the rest
			_, loadErr := ring.LoadKeyStore(cmd.Context(), ks)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "LABEL\tALGORITHM\tPUBLIC KEY")
			for _, k := range ring.Keys() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", k.Label, k.Algorithm, hex.EncodeToString(k.PublicKey))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			return loadErr
		},
	}
}

func deleteCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <label>",
		Short: "Remove a key from the key store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			label, err := keystore.ParseLabel(args[0])
			if err != nil {
				return err
			}
			ks, err := root.open(false)
			if err != nil {
				return err
			}
			return ks.Delete(cmd.Context(), label)
		},
	}
}

func loadInfo(cmd *cobra.Command, root *rootOptions, name string) (signatory.KeyInfo, error) {
	label, err := keystore.ParseLabel(name)
	if err != nil {
		return signatory.KeyInfo{}, err
	}
	ks, err := root.open(false)
	if err != nil {
		return signatory.KeyInfo{}, err
	}
	doc, err := ks.Load(cmd.Context(), label)
	if err != nil {
		return signatory.KeyInfo{}, err
	}
	defer doc.Zeroize()
	ring := signatory.NewKeyRing()
	return ring.ImportPKCS8(name, doc)
}

func printPublicKey(cmd *cobra.Command, doc *pkcs8.Document) error {
	s, err := signatory.SignerFromPKCS8(doc)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", s.Algorithm(), hex.EncodeToString(s.PublicKey()))
	return err
}
