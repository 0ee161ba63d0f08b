package main

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pongnet/internal/crypto"
	"pongnet/internal/node"
)

func keysCmd() *cobra.Command {
	var lifetime time.Duration
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Generate a throwaway key set and print its public halves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			km, err := node.NewKeyManager(lifetime, 0, time.Now())
			if err != nil {
				return err
			}
			defer km.Destroy()
			ks := km.CurrentKeys()
			crypto.Wipe(ks.EncPriv[:])
			crypto.Wipe(ks.SignPriv)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "enc_key:  %s\n", base64.StdEncoding.EncodeToString(ks.EncPub[:]))
			fmt.Fprintf(out, "sign_key: %s\n", base64.StdEncoding.EncodeToString(ks.SignPub))
			fmt.Fprintf(out, "enc_fp:   %s\n", crypto.Fingerprint(ks.EncPub[:]))
			fmt.Fprintf(out, "sign_fp:  %s\n", crypto.Fingerprint(ks.SignPub))
			fmt.Fprintf(out, "expires:  %s\n", ks.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&lifetime, "lifetime", time.Hour, "key lifetime")
	return cmd
}

func ownerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "owner <name> <name>",
		Short: "Print which of two player names owns the game",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := node.ElectOwner(node.Contender{Name: args[0]}, node.Contender{Name: args[1]})
			fmt.Fprintln(cmd.OutOrStdout(), w.Name)
			return nil
		},
	}
}
