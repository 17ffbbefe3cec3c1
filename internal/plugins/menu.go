package plugins

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/roelfdiedericks/wagate/internal/commands"
	. "github.com/roelfdiedericks/wagate/internal/logging"
	"github.com/roelfdiedericks/wagate/internal/transport"
)

var categoryEmoji = map[string]string{
	"main":     "🏠",
	"download": "📥",
	"tools":    "🛠",
	"logo":     "🎨",
	"owner":    "👑",
}

func emojiFor(category string) string {
	if e, ok := categoryEmoji[category]; ok {
		return e
	}
	return "📌"
}

func registerMenu(reg *commands.Registry, opts Options) error {
	m := &menu{opts: opts}
	return register(reg, &commands.Descriptor{
		Pattern:     "menu",
		Aliases:     []string{"help", "list"},
		Category:    "main",
		Description: "Shows the command categories, or the commands in one category",
		Handler:     m.handle,
	})
}

type menu struct {
	opts Options
}

// menuGroup is one numbered category of the main menu.
type menuGroup struct {
	name     string
	commands []*commands.Descriptor
}

// groups lists the menu's categories in display order. The menu command
// itself is not listed.
func groups(reg *commands.Registry) []menuGroup {
	var out []menuGroup
	for _, cat := range reg.Categories() {
		var ds []*commands.Descriptor
		for _, d := range reg.ByCategory(cat) {
			if d.Pattern != "menu" {
				ds = append(ds, d)
			}
		}
		if len(ds) > 0 {
			out = append(out, menuGroup{name: cat, commands: ds})
		}
	}
	return out
}

func (m *menu) handle(ctx context.Context, c *commands.Context) error {
	gs := groups(c.Registry)

	if len(c.Args) > 0 {
		if n, err := strconv.Atoi(c.Args[0]); err == nil && n >= 1 && n <= len(gs) {
			_, err := c.Reply(ctx, categoryText(gs[n-1], c.Prefix, c.Settings.BotName))
			return err
		}
		L_debug("menu: selection not understood, showing main menu", "tenant", c.Tenant, "selection", c.Args[0])
	}

	text := m.mainText(c, gs)
	var out transport.Outgoing
	if len(m.opts.MenuImage) > 0 {
		out = transport.Outgoing{Image: m.opts.MenuImage, Caption: text}
	} else {
		out = transport.Outgoing{Text: text}
	}

	id, err := c.Send(ctx, out)
	if err != nil {
		return fmt.Errorf("send menu: %w", err)
	}
	c.Correlation.Set(c.Chat, id)
	return nil
}

func (m *menu) mainText(c *commands.Context, gs []menuGroup) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "╭━━〔 %s 〕━━┈⊷\n", c.Settings.BotName)
	if m.opts.OwnerName != "" {
		fmt.Fprintf(&sb, "┃ 👑 *Owner* : %s\n", m.opts.OwnerName)
	}
	fmt.Fprintf(&sb, "┃ ⚙ *Mode* : %s\n", m.opts.Mode)
	fmt.Fprintf(&sb, "┃ 🔣 *Prefix* : [ %s ]\n", c.Prefix)
	fmt.Fprintf(&sb, "┃ 📚 *Commands* : %d\n", c.Registry.Len())
	sb.WriteString("╰━━━━━━━━━━━━━━┈⊷\n\n")

	sb.WriteString("╭━━━〔 📜 CATEGORIES 〕━━━━┈⊷\n")
	for i, g := range gs {
		fmt.Fprintf(&sb, "┃ %d. %s %s\n", i+1, emojiFor(g.name), strings.ToUpper(g.name))
	}
	sb.WriteString("╰━━━━━━━━━━━━━━━━━━┈⊷\n\n")
	sb.WriteString("*💡 Tip:* Reply with a number to view commands.")
	return sb.String()
}

func categoryText(g menuGroup, prefix, botName string) string {
	title := strings.ToUpper(g.name)

	var sb strings.Builder
	fmt.Fprintf(&sb, "╭━━〔 %s %s 〕━━┈⊷\n", emojiFor(g.name), title)
	fmt.Fprintf(&sb, "┃★ 📝 Category : %s\n", title)
	fmt.Fprintf(&sb, "┃★ 📊 Available : %d\n", len(g.commands))
	sb.WriteString("╰━━━━━━━━━━━━━━┈⊷\n\n")
	for _, d := range g.commands {
		fmt.Fprintf(&sb, "┃ ◈ ⚡ %s%s", prefix, d.Pattern)
		if d.Description != "" {
			fmt.Fprintf(&sb, " - %s", d.Description)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n╰━━━━━━━━━━━━━━┈⊷\n")
	fmt.Fprintf(&sb, "> *© %s*", botName)
	return sb.String()
}
