package certrotate

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

func parsePEMCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certrotate: parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
