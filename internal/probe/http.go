package probe

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/argusmon/argus/internal/models"
)

// maxBodyBytes caps how much of the response body pattern checks see.
const maxBodyBytes = 1 << 20

// sharedTransport pools connections across all HTTP checks.
var sharedTransport = &http.Transport{
	MaxIdleConns:        64,
	MaxIdleConnsPerHost: 4,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
}

// HTTPProbe implements the url (GET) and api_post (JSON POST) checks.
type HTTPProbe struct {
	post   bool
	client *http.Client
}

// NewHTTPProbe returns a GET probe, or a JSON POST probe when post is true.
func NewHTTPProbe(post bool) *HTTPProbe {
	return &HTTPProbe{
		post: post,
		// Deadlines come from the probe ctx, not a client timeout.
		client: &http.Client{Transport: sharedTransport},
	}
}

func (p *HTTPProbe) Check(ctx context.Context, mon *models.Monitor) *models.Sample {
	started := time.Now()

	target, body, headers, err := p.requestParts(mon)
	if err != nil {
		return errorSample(mon, started, KindTerminal, "%v", err)
	}

	positive, negative, err := compilePatterns(mon)
	if err != nil {
		return errorSample(mon, started, KindTerminal, "%v", err)
	}

	method := http.MethodGet
	if p.post {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, target, strings.NewReader(body))
	if err != nil {
		return errorSample(mon, started, KindTerminal, "build request: %v", err)
	}
	if p.post {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return errorSample(mon, started, httpErrorKind(err), "request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	elapsed := time.Since(started)
	if err != nil {
		return errorSample(mon, started, KindTransient, "read body: %v", err)
	}

	md := models.Metadata{
		"status_code": resp.StatusCode,
		"body_bytes":  len(raw),
	}

	s := valueSample(mon, started, float64(elapsed.Milliseconds()), md)
	s.ResponseTimeMs = elapsed.Milliseconds()

	// Hard verdicts outrank latency thresholds.
	switch {
	case !expectedStatus(mon, resp.StatusCode):
		s.Status = models.StatusAlarm
		md[MetaReason] = fmt.Sprintf("unexpected status code %d", resp.StatusCode)
	case negative != nil && negative.Match(raw):
		s.Status = models.StatusAlarm
		md[MetaReason] = fmt.Sprintf("negative pattern %q matched", mon.NegativePattern)
	case positive != nil && !positive.Match(raw):
		s.Status = models.StatusAlarm
		md[MetaReason] = fmt.Sprintf("positive pattern %q not found", mon.PositivePattern)
	}
	return s
}

func (p *HTTPProbe) requestParts(mon *models.Monitor) (target, body string, headers map[string]string, err error) {
	if p.post {
		cfg := mon.Check.APIPost
		if cfg == nil {
			return "", "", nil, errors.New("api_post check config missing")
		}
		return cfg.Target, cfg.PostBody, cfg.Headers, nil
	}
	cfg := mon.Check.URL
	if cfg == nil {
		return "", "", nil, errors.New("url check config missing")
	}
	return cfg.Target, "", cfg.Headers, nil
}

// expectedStatus applies expected_status_codes, defaulting to 2xx.
func expectedStatus(mon *models.Monitor, code int) bool {
	if len(mon.ExpectedStatusCodes) == 0 {
		return code >= 200 && code < 300
	}
	for _, want := range mon.ExpectedStatusCodes {
		if code == want {
			return true
		}
	}
	return false
}

func compilePatterns(mon *models.Monitor) (positive, negative *regexp.Regexp, err error) {
	if mon.PositivePattern != "" {
		positive, err = regexp.Compile(mon.PositivePattern)
		if err != nil {
			return nil, nil, fmt.Errorf("positive_pattern: %v", err)
		}
	}
	if mon.NegativePattern != "" {
		negative, err = regexp.Compile(mon.NegativePattern)
		if err != nil {
			return nil, nil, fmt.Errorf("negative_pattern: %v", err)
		}
	}
	return positive, negative, nil
}

// httpErrorKind separates certificate problems (terminal until the endpoint
// or config changes) from plain connectivity failures.
func httpErrorKind(err error) string {
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var certInvalid x509.CertificateInvalidError
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) || errors.As(err, &certInvalid) {
		return KindTerminal
	}
	return KindTransient
}
