package emily

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/bwmarrin/discordgo"
	embed "github.com/clinet/discordgo-embed"
	"github.com/lmittmann/tint"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"
)

// cpuSampleInterval is how long CPU usage is measured for
const cpuSampleInterval = 500 * time.Millisecond

// HostStats describes the host the bot runs on
type HostStats struct {
	Hostname      string        `json:"hostname"`
	Platform      string        `json:"platform"`
	HostUptime    time.Duration `json:"host_uptime"`
	CPUModel      string        `json:"cpu_model"`
	CPUThreads    int           `json:"cpu_threads"`
	CPUPercent    float64       `json:"cpu_percent"`
	MemoryTotal   uint64        `json:"memory_total"`
	MemoryUsed    uint64        `json:"memory_used"`
	MemoryPercent float64       `json:"memory_percent"`
	ProcessRSS    uint64        `json:"process_rss"`
	GoVersion     string        `json:"go_version"`
	Goroutines    int           `json:"goroutines"`
}

// collectHostStats gathers host, CPU, memory and process stats
// concurrently
func collectHostStats(ctx context.Context) (HostStats, error) {
	stats := HostStats{
		CPUThreads: runtime.NumCPU(),
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			info, err := host.InfoWithContext(gctx)
			if err != nil {
				return fmt.Errorf("error reading host info: %w", err)
			}
			stats.Hostname = info.Hostname
			stats.Platform = fmt.Sprintf("%s %s (%s)", info.Platform, info.PlatformVersion, info.KernelArch)
			stats.HostUptime = time.Duration(info.Uptime) * time.Second
			return nil
		},
	)
	g.Go(
		func() error {
			infos, err := cpu.InfoWithContext(gctx)
			if err != nil {
				return fmt.Errorf("error reading cpu info: %w", err)
			}
			if len(infos) > 0 {
				stats.CPUModel = infos[0].ModelName
			}
			percent, err := cpu.PercentWithContext(gctx, cpuSampleInterval, false)
			if err != nil {
				return fmt.Errorf("error reading cpu usage: %w", err)
			}
			if len(percent) > 0 {
				stats.CPUPercent = percent[0]
			}
			return nil
		},
	)
	g.Go(
		func() error {
			vm, err := mem.VirtualMemoryWithContext(gctx)
			if err != nil {
				return fmt.Errorf("error reading memory usage: %w", err)
			}
			stats.MemoryTotal = vm.Total
			stats.MemoryUsed = vm.Used
			stats.MemoryPercent = vm.UsedPercent
			return nil
		},
	)
	g.Go(
		func() error {
			proc, err := process.NewProcessWithContext(gctx, int32(os.Getpid()))
			if err != nil {
				return fmt.Errorf("error reading process: %w", err)
			}
			memInfo, err := proc.MemoryInfoWithContext(gctx)
			if err != nil {
				return fmt.Errorf("error reading process memory: %w", err)
			}
			stats.ProcessRSS = memInfo.RSS
			return nil
		},
	)
	return stats, g.Wait()
}

// botStatusCommand shows stats about the bot and its host
type botStatusCommand struct {
	commandInfo
	e *Emily
}

func newBotStatusCommand(e *Emily) *botStatusCommand {
	return &botStatusCommand{
		commandInfo: commandInfo{
			name:        "botstatus",
			aliases:     []string{"stats"},
			description: "Shows stats about the bot, and the host it runs on.",
			usage:       []string{"botstatus"},
			category:    CategoryBotAdministration,
			permanent:   true,
		},
		e: e,
	}
}

func (c *botStatusCommand) Execute(ctx context.Context, req *CommandRequest) (string, error) {
	stats, err := collectHostStats(ctx)
	if err != nil {
		contextLoggerOr(ctx, c.e.logger).ErrorContext(
			ctx,
			"error collecting host stats",
			tint.Err(err),
		)
		return "", ioError(err, tmplStatusCollecting)
	}
	status := c.e.Status()

	if !c.e.discord.canEmbed(req.GuildID, req.ChannelID) {
		return codeBlock(statusText(status, stats)), nil
	}
	c.e.outbox.Push(
		ctx,
		&OutboundMessage{
			ChannelID: req.ChannelID,
			Embed:     statusEmbed(status, stats),
		},
	)
	return "", nil
}

func statusEmbed(status Status, stats HostStats) *discordgo.MessageEmbed {
	return embed.NewEmbed().
		SetColor(embedColor).
		SetTitle(fmt.Sprintf("emily %s", status.Version)).
		AddField("Uptime", status.Uptime.String()).
		AddField("Guilds", fmt.Sprintf("%d", status.Guilds)).
		AddField("Users", fmt.Sprintf("%d", status.Users)).
		AddField("Commands", fmt.Sprintf("%d (%d failed)", status.CommandsRun, status.CommandsFailed)).
		AddField("Listeners", fmt.Sprintf("%d", status.Listeners)).
		AddField("Outbox", fmt.Sprintf("%d", status.Outbox)).
		AddField("Host", stats.Hostname).
		AddField("Platform", stats.Platform).
		AddField("Host uptime", stats.HostUptime.String()).
		AddField("CPU", fmt.Sprintf("%.1f%% of %d threads", stats.CPUPercent, stats.CPUThreads)).
		AddField("Memory", fmt.Sprintf("%s / %s (%.1f%%)", formatBytes(stats.MemoryUsed), formatBytes(stats.MemoryTotal), stats.MemoryPercent)).
		AddField("Process", fmt.Sprintf("%s RSS, %d goroutines", formatBytes(stats.ProcessRSS), stats.Goroutines)).
		InlineAllFields().
		SetFooter(stats.GoVersion).
		MessageEmbed
}

func statusText(status Status, stats HostStats) string {
	return fmt.Sprintf(
		"%-12s: %s\n%-12s: %s\n%-12s: %d\n%-12s: %d\n%-12s: %d (%d failed)\n"+
			"%-12s: %s\n%-12s: %s\n%-12s: %.1f%% of %d threads\n%-12s: %s / %s (%.1f%%)\n"+
			"%-12s: %s RSS, %d goroutines\n",
		"Version", status.Version,
		"Uptime", status.Uptime,
		"Guilds", status.Guilds,
		"Users", status.Users,
		"Commands", status.CommandsRun, status.CommandsFailed,
		"Host", stats.Hostname,
		"Platform", stats.Platform,
		"CPU", stats.CPUPercent, stats.CPUThreads,
		"Memory", formatBytes(stats.MemoryUsed), formatBytes(stats.MemoryTotal), stats.MemoryPercent,
		"Process", formatBytes(stats.ProcessRSS), stats.Goroutines,
	)
}

// formatBytes formats a byte count with a binary unit suffix
func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
