// Package certrotate tracks the worker's mTLS client certificate expiry
// and decides when it is due for rotation.
package certrotate

import (
	"crypto/x509"
	"fmt"
	"time"
)

// RotationThreshold is how far ahead of expiry the worker requests a new
// certificate from the control plane.
const RotationThreshold = 30 * 24 * time.Hour

// NeedsRotation reports whether cert is close enough to expiry (or
// already expired) that the worker should fetch a replacement before its
// next control-plane connection attempt.
func NeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < RotationThreshold
}

// TimeRemaining returns how long until cert expires.
func TimeRemaining(cert *x509.Certificate) time.Duration {
	if cert == nil {
		return 0
	}
	return time.Until(cert.NotAfter)
}

// ParseLeaf parses the first certificate in a PEM-encoded chain, the form
// persistence.Credential stores it in.
func ParseLeaf(certPEM []byte) (*x509.Certificate, error) {
	certs, err := parsePEMCertificates(certPEM)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("certrotate: no certificate found in PEM data")
	}
	return certs[0], nil
}
