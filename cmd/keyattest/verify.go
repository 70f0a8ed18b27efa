package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	attestation "github.com/kacy/key-attestation"
	"github.com/kacy/key-attestation/bundle"
	"github.com/kacy/key-attestation/internal/output"
)

type verifyOptions struct {
	roots  []string
	policy string
	at     string
	store  storeOptions
}

func newVerifyCmd(g *globalOptions) *cobra.Command {
	o := &verifyOptions{}
	cmd := &cobra.Command{
		Use:   "verify <bundle>",
		Short: "Verify an attestation certificate chain",
		Long: `Verify an Android key attestation chain against trusted roots, a
revocation status source and an optional policy. Every failure is reported.

The bundle may be PEM, DER, PKCS#7, a WebAuthn android-key attestation object
or any of these base64 encoded. Use "-" to read from stdin.

Exit status is 0 when the chain verifies, 2 when attestation fails and 1 on
input errors.`,
		Args: cobra.ExactArgs(1),
		Example: `  keyattest verify --root google-root.pem chain.pem
  keyattest verify --root google-root.pem --revocation-list status.json -j chain.pem
  keyattest verify -c keyattest.yaml --policy 'security-level>=tee, os-patch-level>=2023-01' chain.pem`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, g, o, args[0])
		},
	}

	cmd.Flags().StringArrayVarP(&o.roots, "root", "r", nil, "Trust anchor PEM file (repeatable)")
	cmd.Flags().StringVarP(&o.policy, "policy", "p", "", "Policy expression (e.g., 'security-level>=tee, device-locked')")
	cmd.Flags().StringVar(&o.at, "at", "", "Verification time in RFC 3339 (default now)")
	o.store.register(cmd.Flags())
	return cmd
}

func runVerify(cmd *cobra.Command, g *globalOptions, o *verifyOptions, path string) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	cfg.TrustAnchors = append(cfg.TrustAnchors, o.roots...)
	if o.policy != "" {
		cfg.Policy = o.policy
	}
	o.store.apply(cfg)
	if g.verbose {
		cfg.Logging.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	at := time.Now()
	if o.at != "" {
		if at, err = time.Parse(time.RFC3339, o.at); err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
	}

	log, err := newLogger(cfg.Logging.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	anchors, err := loadAnchors(cfg.TrustAnchors)
	if err != nil {
		return err
	}
	pol, err := cfg.PolicySet()
	if err != nil {
		return err
	}
	mode, err := cfg.RevocationMode()
	if err != nil {
		return err
	}

	data, err := readInput(cmd.InOrStdin(), path)
	if err != nil {
		return fmt.Errorf("failed to read bundle: %w", err)
	}
	b, err := bundle.Parse(data)
	if err != nil {
		return fmt.Errorf("failed to decode bundle: %w", err)
	}
	log.Debug("bundle decoded")

	store, closeStore, err := openRevocation(cmd.Context(), cfg.Revocation, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	verifier, err := attestation.NewVerifier(attestation.Config{
		TrustAnchors:   anchors,
		Revocation:     store,
		RevocationMode: mode,
		Policy:         pol,
		Logger:         log,
	})
	if err != nil {
		return err
	}

	res, err := verifier.Verify(cmd.Context(), &attestation.Request{Certificates: b.Certificates, Time: at})
	if err != nil {
		return err
	}

	out, err := output.FormatOutput(output.NewVerificationOutput(&output.Report{
		Source:       sourceName(path),
		ToolVersion:  Version,
		Certificates: b.Certificates,
		Result:       res,
	}), g.format())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)

	if !res.Verified() {
		return errAttestationFailed
	}
	return nil
}
