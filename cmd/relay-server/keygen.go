package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"e2ee-relay/pkg/constants"
	"e2ee-relay/pkg/e2ee"
)

func newKeygenCommand() *cobra.Command {
	var bits int

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the relay's RSA key pair",
		Long: `Prints a base64 PKCS#8 private key for server.private_key and the matching
base64 X.509 public key to ship with app builds.`,
		Example: `  relay-server keygen
  relay-server keygen --bits 4096`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := e2ee.GenerateKeyPair(bits)
			if err != nil {
				return err
			}
			priv, err := e2ee.MarshalPrivateKey(key)
			if err != nil {
				return err
			}
			pub, err := e2ee.MarshalPublicKey(&key.PublicKey)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "private_key: %s\n", priv)
			fmt.Fprintf(out, "public_key: %s\n", pub)
			return nil
		},
	}

	cmd.Flags().IntVar(&bits, "bits", constants.DefaultRSAKeyBits, "RSA modulus size")
	return cmd
}
