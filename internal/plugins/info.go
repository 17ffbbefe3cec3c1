package plugins

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/roelfdiedericks/wagate/internal/commands"
)

func registerInfo(reg *commands.Registry, opts Options) error {
	return register(reg,
		&commands.Descriptor{
			Pattern:     "ping",
			Aliases:     []string{"p"},
			Category:    "main",
			Description: "Checks the bot's response time",
			Handler:     ping,
		},
		&commands.Descriptor{
			Pattern:     "alive",
			Category:    "main",
			Description: "Shows that the bot is running",
			Handler: func(ctx context.Context, c *commands.Context) error {
				return alive(ctx, c, opts)
			},
		},
		&commands.Descriptor{
			Pattern:     "system",
			Aliases:     []string{"uptime", "sys"},
			Category:    "tools",
			Description: "Shows runtime statistics",
			Handler: func(ctx context.Context, c *commands.Context) error {
				return system(ctx, c, opts)
			},
		},
	)
}

func ping(ctx context.Context, c *commands.Context) error {
	start := time.Now()
	if _, err := c.Reply(ctx, "Pinging..."); err != nil {
		return err
	}
	_, err := c.Reply(ctx, fmt.Sprintf("🏓 *Pong!* %d ms", time.Since(start).Milliseconds()))
	return err
}

func alive(ctx context.Context, c *commands.Context, opts Options) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "👋 *%s* is alive\n\n", c.Settings.BotName)
	if c.PushName != "" {
		fmt.Fprintf(&sb, "Hello %s!\n", c.PushName)
	}
	fmt.Fprintf(&sb, "⏱ *Uptime* : %s\n", formatUptime(time.Since(opts.StartedAt)))
	fmt.Fprintf(&sb, "🔣 *Prefix* : %s\n", c.Prefix)
	fmt.Fprintf(&sb, "\nType *%smenu* for the command list.", c.Prefix)
	_, err := c.Reply(ctx, sb.String())
	return err
}

func system(ctx context.Context, c *commands.Context, opts Options) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	host, _ := os.Hostname()

	var sb strings.Builder
	sb.WriteString("🛠 *System*\n\n")
	fmt.Fprintf(&sb, "⏱ Uptime: %s\n", formatUptime(time.Since(opts.StartedAt)))
	fmt.Fprintf(&sb, "🖥 Host: %s (%s/%s)\n", host, runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "⚙ CPUs: %d\n", runtime.NumCPU())
	fmt.Fprintf(&sb, "🧵 Goroutines: %d\n", runtime.NumGoroutine())
	fmt.Fprintf(&sb, "💾 Memory: %.1f MB in use, %.1f MB from OS\n",
		float64(mem.HeapAlloc)/(1<<20), float64(mem.Sys)/(1<<20))
	fmt.Fprintf(&sb, "🐹 Go: %s", runtime.Version())
	_, err := c.Reply(ctx, sb.String())
	return err
}
