package probe

import (
	"context"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/argusmon/argus/internal/models"
)

// PingProbe sends ICMP echo requests and reports mean round-trip time in
// milliseconds. Runs unprivileged (UDP) so the daemon does not need raw
// socket capabilities.
type PingProbe struct {
	// Privileged switches to raw ICMP sockets when the deployment grants
	// CAP_NET_RAW.
	Privileged bool
}

func (p *PingProbe) Check(ctx context.Context, mon *models.Monitor) *models.Sample {
	started := time.Now()

	cfg := mon.Check.Ping
	if cfg == nil {
		return errorSample(mon, started, KindTerminal, "ping check config missing")
	}

	pinger, err := probing.NewPinger(cfg.Host)
	if err != nil {
		return errorSample(mon, started, KindTransient, "resolve %s: %v", cfg.Host, err)
	}
	pinger.Count = cfg.EchoCount()
	pinger.SetPrivileged(p.Privileged)
	if cfg.TimeoutSeconds > 0 {
		pinger.Timeout = time.Duration(cfg.TimeoutSeconds*cfg.EchoCount()) * time.Second
	} else if dl, ok := ctx.Deadline(); ok {
		pinger.Timeout = time.Until(dl)
	}

	if err := pinger.RunWithContext(ctx); err != nil {
		return errorSample(mon, started, KindTransient, "ping %s: %v", cfg.Host, err)
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return errorSample(mon, started, KindTransient,
			"no echo reply from %s (%d sent)", cfg.Host, stats.PacketsSent)
	}

	md := models.Metadata{
		"packets_sent": stats.PacketsSent,
		"packets_recv": stats.PacketsRecv,
		"packet_loss":  stats.PacketLoss,
	}
	meanRTT := float64(stats.AvgRtt.Microseconds()) / 1000.0
	return valueSample(mon, started, meanRTT, md)
}
