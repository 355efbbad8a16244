package probe

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/argusmon/argus/internal/models"
)

// tlsEndpoint serves a self-signed certificate with the given expiry and
// returns host, port, and a shutdown func.
func tlsEndpoint(t *testing.T, notAfter time.Time) (string, int, func()) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(4242),
		Subject: pkix.Name{
			CommonName:   "argus.test",
			Organization: []string{"Argus Test"},
		},
		NotBefore: notAfter.Add(-8760 * time.Hour),
		NotAfter:  notAfter,
		DNSNames:  []string{"argus.test", "alt.argus.test"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
	})
	if err != nil {
		t.Fatalf("tls listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				_ = c.(*tls.Conn).Handshake()
				c.Close()
			}(conn)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port, func() { ln.Close() }
}

func TestCertificateProbe(t *testing.T) {
	tests := []struct {
		name       string
		expiresIn  time.Duration
		configure  func(c *models.CertificateCheck)
		wantStatus models.SampleStatus
		wantDays   int
	}{
		{
			name:       "five days left is alarm",
			expiresIn:  5*24*time.Hour + time.Hour,
			wantStatus: models.StatusAlarm,
			wantDays:   5,
		},
		{
			name:       "twenty days left is warning",
			expiresIn:  20*24*time.Hour + time.Hour,
			wantStatus: models.StatusWarning,
			wantDays:   20,
		},
		{
			name:       "hundred days left is ok",
			expiresIn:  100*24*time.Hour + time.Hour,
			wantStatus: models.StatusOK,
			wantDays:   100,
		},
		{
			name:      "custom thresholds",
			expiresIn: 100*24*time.Hour + time.Hour,
			configure: func(c *models.CertificateCheck) {
				c.WarningThresholdDays = 200
			},
			wantStatus: models.StatusWarning,
			wantDays:   100,
		},
		{
			name:       "expired certificate",
			expiresIn:  -48*time.Hour + time.Hour,
			wantStatus: models.StatusAlarm,
			wantDays:   -2,
		},
	}

	probe := &CertificateProbe{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, stop := tlsEndpoint(t, time.Now().Add(tt.expiresIn))
			defer stop()

			mon := probeMonitor(models.TypeCertificate)
			mon.Check.Certificate = &models.CertificateCheck{Hostname: host, Port: port}
			if tt.configure != nil {
				tt.configure(mon.Check.Certificate)
			}

			s := probe.Check(context.Background(), mon)
			if s.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s (%s)", s.Status, tt.wantStatus, s.ErrorMessage)
			}
			if days, _ := s.Metadata.Int("daysRemaining"); days != tt.wantDays {
				t.Errorf("daysRemaining = %d, want %d", days, tt.wantDays)
			}
			if s.Value == nil || *s.Value != float64(tt.wantDays) {
				t.Errorf("value = %v, want %d", s.Value, tt.wantDays)
			}
		})
	}
}

func TestCertificateProbeMetadata(t *testing.T) {
	host, port, stop := tlsEndpoint(t, time.Now().Add(5*24*time.Hour+time.Hour))
	defer stop()

	mon := probeMonitor(models.TypeCertificate)
	mon.Check.Certificate = &models.CertificateCheck{Hostname: host, Port: port}

	s := (&CertificateProbe{}).Check(context.Background(), mon)

	if cn, _ := s.Metadata.String("commonName"); cn != "argus.test" {
		t.Errorf("commonName = %q", cn)
	}
	if issuer, _ := s.Metadata.String("issuer"); !strings.Contains(issuer, "Argus Test") {
		t.Errorf("issuer = %q", issuer)
	}
	if serial, _ := s.Metadata.String("serial"); serial != "4242" {
		t.Errorf("serial = %q", serial)
	}
	sans, ok := s.Metadata["sans"].([]string)
	if !ok || len(sans) != 2 {
		t.Errorf("sans = %v", s.Metadata["sans"])
	}
	msg, _ := s.Metadata.String(MetaMessage)
	if !strings.Contains(msg, "5 day") {
		t.Errorf("message %q does not mention days remaining", msg)
	}
}

func TestCertificateProbeHandshakeFailure(t *testing.T) {
	// Plain TCP listener that closes immediately: handshake cannot complete.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	defer ln.Close()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	mon := probeMonitor(models.TypeCertificate)
	mon.Check.Certificate = &models.CertificateCheck{Hostname: host, Port: port}

	s := (&CertificateProbe{}).Check(context.Background(), mon)
	if s.Status != models.StatusError {
		t.Fatalf("status = %s, want error", s.Status)
	}
	if kind := errorKind(t, s); kind != KindTransient {
		t.Errorf("error kind = %s, want transient", kind)
	}
}
