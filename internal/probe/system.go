package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/argusmon/argus/internal/models"
)

// SystemProbe reads cpu, memory, or disk usage percent. The resource is
// implied by the monitor type; a nil ssh block means the local host.
type SystemProbe struct{}

// systemCommand returns the usage one-liner for a resource. All three print
// a bare percentage on stdout.
func systemCommand(t models.MonitorType, cfg *models.SystemCheck) (cmd, resource string, err error) {
	switch t {
	case models.TypeCPU:
		return `vmstat 1 2 | tail -1 | awk '{print 100 - $15}'`, "cpu", nil
	case models.TypeMem:
		return `free | awk '/Mem:/ {printf "%.1f", ($2-$7)/$2*100}'`, "mem", nil
	case models.TypeDisk:
		mount := cfg.Mountpoint
		if mount == "" {
			mount = "/"
		}
		return fmt.Sprintf(`df -P %s | awk 'NR==2 {gsub("%%","",$5); print $5}'`, shellQuote(mount)), "disk", nil
	default:
		return "", "", fmt.Errorf("monitor type %q is not a system resource", t)
	}
}

func (p *SystemProbe) Check(ctx context.Context, mon *models.Monitor) *models.Sample {
	started := time.Now()

	cfg := mon.Check.System
	if cfg == nil {
		return errorSample(mon, started, KindTerminal, "system check config missing")
	}
	cmd, resource, err := systemCommand(mon.Type, cfg)
	if err != nil {
		return errorSample(mon, started, KindTerminal, "%v", err)
	}

	var stdout, stderr string
	source := "local"
	if cfg.SSH != nil {
		source = "ssh"
		stdout, stderr, err = runOverSSH(ctx, cfg.SSH, cmd)
		if err != nil {
			return errorSample(mon, started, sshErrorKind(err), "read %s usage over ssh: %v", resource, err)
		}
	} else {
		stdout, stderr, err = runLocal(ctx, cmd)
		if err != nil {
			return errorSample(mon, started, KindTransient, "read %s usage: %v: %s",
				resource, err, truncate(strings.TrimSpace(stderr), 256))
		}
	}

	v := parseNumeric(stdout)
	if v == nil {
		return errorSample(mon, started, KindTransient, "%s usage output %q is not numeric",
			resource, truncate(strings.TrimSpace(stdout), 128))
	}

	md := models.Metadata{
		"resource": resource,
		"source":   source,
	}
	if resource == "disk" {
		mount := cfg.Mountpoint
		if mount == "" {
			mount = "/"
		}
		md["mountpoint"] = mount
	}
	return valueSample(mon, started, *v, md)
}
