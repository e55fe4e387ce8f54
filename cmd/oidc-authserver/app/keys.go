package app

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-authserver/keys"
)

func newGenKeyCmd() *cobra.Command {
	var (
		out  string
		bits int
	)
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Write a new RSA signing key as a PKCS8 PEM file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bits < keys.MinRSAKeyBits {
				return fmt.Errorf("--bits must be at least %d", keys.MinRSAKeyBits)
			}
			if err := keys.WritePEMFile(out, bits); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d-bit signing key to %s\n", bits, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "signing-key.pem", "Output file")
	cmd.Flags().IntVar(&bits, "bits", 3072, "RSA modulus size")
	return cmd
}

func newHashCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash [secret]",
		Short: "Print the bcrypt hash of a client secret or password",
		Long: `Print the bcrypt hash of a client secret or password.

The secret is read from the first line of standard input when no argument is
given, which keeps it out of the shell history.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd, args)
			if err != nil {
				return err
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
			if err != nil {
				return fmt.Errorf("failed to hash secret: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func readSecret(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to read secret: %w", err)
		}
		return "", errors.New("no secret given")
	}
	return secret, nil
}
