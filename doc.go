// Package attestation verifies Android Key Attestation evidence on the server.
//
// A key attestation is an X.509 certificate chain produced by Android
// Keystore. Its leaf certifies an app's key and carries the key description
// extension (OID 1.3.6.1.4.1.11129.2.1.17): the security level the key lives
// in, the device's boot state and patch levels, the attesting app's identity,
// and the challenge the server issued.
//
// Verification runs four steps in order:
//
//  1. The chain is validated against the configured trust anchors
//     (subpackage chain).
//  2. Every certificate's serial is looked up in the revocation status
//     source (subpackage revocation).
//  3. The leaf's key description is decoded (subpackage android).
//  4. The policy predicates are evaluated against it (subpackage policy).
//
// The first three steps stop at the first failure. The policy step runs
// every predicate so the caller sees all unmet requirements at once. The
// outcome is a Result; Verify returns an error only for misuse.
//
// # Basic Usage
//
//	anchors, err := chain.ParseAnchorsPEM(googleRootsPEM)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	statusList, err := revocation.ParseStatusList(statusFile)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	pol, err := policy.Parse("security-level>=tee, boot-state=verified, device-locked, os-patch-level>=2023-01")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	verifier, err := attestation.NewVerifier(attestation.Config{
//	    TrustAnchors: anchors,
//	    Revocation:   statusList,
//	    Policy:       pol,
//	})
//
//	result, err := verifier.Verify(ctx, &attestation.Request{
//	    Certificates: certs,
//	    Time:         time.Now(),
//	})
//	if err == nil && !result.Verified() {
//	    log.Println(result.Err())
//	}
//
// # Subpackages
//
// The library is organized into the following subpackages:
//
//   - android: key description decoding and the authorization list model
//   - chain: trust anchors and certificate chain validation
//   - revocation: status list parsing and revocation checking
//   - policy: predicates and the policy expression language
//   - challenge: challenge generation and single-use redemption
//   - redis, badger: shared and on-disk revocation and challenge stores
//   - bundle: decoding certificate chains from PEM, DER, PKCS#7 and CBOR
package attestation
