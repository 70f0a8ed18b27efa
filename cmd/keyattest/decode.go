package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kacy/key-attestation/android"
	"github.com/kacy/key-attestation/bundle"
	"github.com/kacy/key-attestation/internal/output"
)

func newDecodeCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decode <bundle>",
		Short: "Print the key description of a chain's leaf certificate",
		Long: `Decode the key attestation extension of the leaf certificate without
verifying the chain. Use "-" to read from stdin.`,
		Args:    cobra.ExactArgs(1),
		Example: `  keyattest decode chain.pem
  keyattest decode -j chain.pem`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return fmt.Errorf("failed to read bundle: %w", err)
			}
			certs, err := bundle.Decode(data)
			if err != nil {
				return fmt.Errorf("failed to decode bundle: %w", err)
			}
			kd, err := android.FromCertificate(certs[0])
			if err != nil {
				return err
			}

			out, err := output.FormatOutput(output.NewKeyDescriptionOutput(kd), g.format())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}
