package arbiter

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// certObservation is the identity of the server certificate at the last
// check. A changed fingerprint means the certificate was renewed.
type certObservation struct {
	notAfter    time.Time
	fingerprint [sha256.Size]byte
	present     bool
}

func observeCertificate(path string) (certObservation, error) {
	cert, err := readLeafCertificate(path)
	if err != nil {
		return certObservation{}, err
	}
	return certObservation{
		notAfter:    cert.NotAfter,
		fingerprint: sha256.Sum256(cert.Raw),
		present:     true,
	}, nil
}

// checkServerCert warns about approaching expiry and restarts the workers
// when the certificate file was replaced. Certificate issuance itself is
// external; the arbiter only reacts to it.
func (a *Arbiter) checkServerCert() {
	cfg := a.manager.Current()
	path := cfg.TLS.ServerCert
	if path == "" {
		return
	}
	obs, err := observeCertificate(path)
	if err != nil {
		a.logger.Warn("Server certificate check failed",
			zap.String("path", path),
			zap.Error(err),
		)
		return
	}

	remaining := time.Until(obs.notAfter)
	renewWindow := time.Duration(cfg.TLS.CertRenewDays) * 24 * time.Hour
	switch {
	case remaining <= 0:
		a.logger.Error("Server certificate expired", zap.Time("not_after", obs.notAfter))
	case remaining <= renewWindow:
		a.logger.Warn("Server certificate expires soon",
			zap.Time("not_after", obs.notAfter),
			zap.Duration("remaining", remaining),
		)
	}

	a.mu.Lock()
	renewed := a.cert.present && a.cert.fingerprint != obs.fingerprint
	a.cert = obs
	stopping := a.stopping
	a.mu.Unlock()

	if renewed && !stopping {
		a.logger.Info("Server certificate renewed, restarting workers",
			zap.Time("not_after", obs.notAfter))
		a.restartWorkers()
	}
}

func readLeafCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no certificate in %s", path)
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}
