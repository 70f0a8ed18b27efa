package bundle

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
)

// Order arranges an unordered certificate set into a single chain, leaf
// first, by issuer and subject linkage. The leaf is the one certificate no
// other certificate names as its issuer. Order fails when the set does not
// form exactly one path.
func Order(certs []*x509.Certificate) ([]*x509.Certificate, error) {
	if len(certs) <= 1 {
		return certs, nil
	}

	issued := make(map[int]bool, len(certs))
	for i, c := range certs {
		for j, issuer := range certs {
			if i != j && issuedBy(c, issuer) {
				issued[j] = true
			}
		}
	}

	leaf := -1
	for i := range certs {
		if issued[i] {
			continue
		}
		if leaf >= 0 {
			return nil, errors.New("certificates do not form a single chain: more than one leaf")
		}
		leaf = i
	}
	if leaf < 0 {
		return nil, errors.New("certificates do not form a single chain: no leaf")
	}

	ordered := []*x509.Certificate{certs[leaf]}
	used := map[int]bool{leaf: true}
	for cur := certs[leaf]; len(ordered) < len(certs); {
		next := -1
		for j, c := range certs {
			if !used[j] && issuedBy(cur, c) {
				next = j
				break
			}
		}
		if next < 0 {
			return nil, fmt.Errorf("certificates do not form a single chain: no issuer for %q", cur.Subject)
		}
		used[next] = true
		cur = certs[next]
		ordered = append(ordered, cur)
	}
	return ordered, nil
}

func issuedBy(child, issuer *x509.Certificate) bool {
	if bytes.Equal(child.Raw, issuer.Raw) {
		return false
	}
	return bytes.Equal(child.RawIssuer, issuer.RawSubject)
}
