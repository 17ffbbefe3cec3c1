// Package plugins holds the built-in command modules. Each module exposes a
// registration function; RegisterAll calls them into one registry before
// any session is supervised.
package plugins

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/roelfdiedericks/wagate/internal/commands"
	. "github.com/roelfdiedericks/wagate/internal/logging"
)

// Options configure the built-in commands.
type Options struct {
	OwnerName string
	Mode      string // shown in the menu header, "Public" when empty
	MenuImage []byte // optional image sent with the main menu
	StartedAt time.Time
}

// LoadMenuImage reads the menu image at path. An empty path yields nil.
func LoadMenuImage(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read menu image: %w", err)
	}
	return data, nil
}

type module func(reg *commands.Registry, opts Options) error

var modules = []module{
	registerMenu,
	registerInfo,
}

// RegisterAll registers every built-in command module. Duplicate patterns
// are logged and skipped by the registry; any other registration error is
// returned.
func RegisterAll(reg *commands.Registry, opts Options) error {
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}
	if opts.Mode == "" {
		opts.Mode = "Public"
	}

	var errs []error
	for _, m := range modules {
		if err := m(reg, opts); err != nil {
			errs = append(errs, err)
		}
	}
	L_info("plugins: registered", "commands", reg.Len(), "categories", len(reg.Categories()))
	return errors.Join(errs...)
}

// register adds descriptors, ignoring duplicates (already logged by the
// registry).
func register(reg *commands.Registry, ds ...*commands.Descriptor) error {
	var errs []error
	for _, d := range ds {
		if err := reg.Register(d); err != nil && !errors.Is(err, commands.ErrDuplicatePattern) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// formatUptime renders d as "1d 2h 3m 4s", dropping leading zero units.
func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
