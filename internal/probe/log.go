package probe

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/argusmon/argus/internal/models"
)

const (
	// logReadCap bounds how much of a local file is scanned (tail).
	logReadCap = 256 << 10
	// logScanLines bounds the remote tail.
	logScanLines = 2000
)

// categoryHints maps a log category to static remediation hints surfaced in
// sample metadata and notification templates.
var categoryHints = map[string][]string{
	"oom": {
		"Check process memory limits (ulimit, cgroup) and recent deploys",
		"Inspect dmesg for oom-killer victims",
	},
	"disk": {
		"Check df -h on the affected host",
		"Rotate or compress old logs, clear tmp directories",
	},
	"auth": {
		"Review recent failed logins in the auth log",
		"Verify credentials and expiry of service accounts",
	},
	"network": {
		"Check connectivity and DNS resolution from the affected host",
		"Inspect firewall and security group changes",
	},
	"database": {
		"Check database connection pool saturation",
		"Review slow query log around the match window",
	},
}

var genericHints = []string{"Inspect the matched lines around their timestamps"}

// hintsFor returns remediation hints for a category.
func hintsFor(category string) []string {
	if hints, ok := categoryHints[strings.ToLower(category)]; ok {
		return hints
	}
	return genericHints
}

// LogProbe counts pattern matches in a log file, read locally or over SSH.
type LogProbe struct{}

func (p *LogProbe) Check(ctx context.Context, mon *models.Monitor) *models.Sample {
	started := time.Now()

	cfg := mon.Check.Log
	if cfg == nil {
		return errorSample(mon, started, KindTerminal, "log check config missing")
	}
	pattern, err := regexp.Compile(cfg.Pattern)
	if err != nil {
		return errorSample(mon, started, KindTerminal, "pattern: %v", err)
	}

	var content string
	if cfg.SSH != nil {
		cmd := fmt.Sprintf("tail -n %d -- %s", logScanLines, shellQuote(cfg.Path))
		stdout, stderr, rerr := runOverSSH(ctx, cfg.SSH, cmd)
		if rerr != nil {
			return errorSample(mon, started, sshErrorKind(rerr), "read %s over ssh: %v: %s",
				cfg.Path, rerr, truncate(strings.TrimSpace(stderr), 256))
		}
		content = stdout
	} else {
		content, err = readTail(cfg.Path, logReadCap)
		if err != nil {
			return errorSample(mon, started, KindTransient, "read %s: %v", cfg.Path, err)
		}
	}

	var matched []string
	count := 0
	for _, line := range strings.Split(content, "\n") {
		if !pattern.MatchString(line) {
			continue
		}
		count++
		if len(matched) < cfg.LineCap() {
			matched = append(matched, truncate(line, 512))
		}
	}

	md := models.Metadata{
		"match_count": count,
		"lines":       matched,
		"solutions":   hintsFor(cfg.Category),
		MetaMessage:   fmt.Sprintf("%d lines matching %q in %s", count, cfg.Pattern, cfg.Path),
	}
	if cfg.Category != "" {
		md["category"] = cfg.Category
	}

	s := valueSample(mon, started, float64(count), md)
	// Without explicit thresholds any match is an alarm condition.
	if mon.Thresholds.Empty() && count > 0 {
		s.Status = models.StatusAlarm
	}
	return s
}

// readTail returns up to max bytes from the end of a local file.
func readTail(path string, max int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if size := info.Size(); size > max {
		if _, err := f.Seek(size-max, io.SeekStart); err != nil {
			return "", err
		}
	}
	raw, err := io.ReadAll(io.LimitReader(f, max))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// shellQuote single-quotes s for safe interpolation into a remote command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
