package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"time"

	"github.com/argusmon/argus/internal/models"
)

// CertificateProbe checks TLS certificate expiry. Verification is disabled
// so an already-expired certificate still yields a (negative) day count
// instead of a handshake error.
type CertificateProbe struct{}

func (p *CertificateProbe) Check(ctx context.Context, mon *models.Monitor) *models.Sample {
	started := time.Now()

	cfg := mon.Check.Certificate
	if cfg == nil {
		return errorSample(mon, started, KindTerminal, "certificate check config missing")
	}

	dialer := tls.Dialer{
		Config: &tls.Config{
			ServerName:         cfg.Hostname,
			InsecureSkipVerify: true,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return errorSample(mon, started, KindTransient, "tls handshake with %s: %v", cfg.Addr(), err)
	}
	defer conn.Close()

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return errorSample(mon, started, KindTransient, "%s presented no certificate", cfg.Addr())
	}
	leaf := certs[0]

	days := int(math.Floor(time.Until(leaf.NotAfter).Seconds() / 86400))

	sans := append([]string(nil), leaf.DNSNames...)
	md := models.Metadata{
		"daysRemaining": days,
		"notAfter":      leaf.NotAfter.Format(time.RFC3339),
		"issuer":        leaf.Issuer.String(),
		"serial":        leaf.SerialNumber.String(),
		"commonName":    leaf.Subject.CommonName,
		"sans":          sans,
		MetaMessage: fmt.Sprintf("certificate for %s expires in %d days (not after %s)",
			cfg.Hostname, days, leaf.NotAfter.Format("2006-01-02")),
	}

	s := valueSample(mon, started, float64(days), md)
	switch {
	case days <= cfg.AlarmDays():
		s.Status = models.StatusAlarm
	case days <= cfg.WarnDays():
		s.Status = models.StatusWarning
	default:
		s.Status = models.StatusOK
	}
	return s
}
