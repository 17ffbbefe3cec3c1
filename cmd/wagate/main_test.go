package main

import (
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("wagate"))
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &cli, kctx
}

func TestGatewayIsDefaultCommand(t *testing.T) {
	cli, kctx := parse(t)
	assert.Equal(t, "gateway", kctx.Command())
	assert.False(t, cli.Gateway.Daemon)

	cli, kctx = parse(t, "--config", "/tmp/w.json", "gateway", "--daemon")
	assert.Equal(t, "gateway", kctx.Command())
	assert.True(t, cli.Gateway.Daemon)
	assert.Equal(t, "/tmp/w.json", cli.Config)
}

func TestSettingsSetFlags(t *testing.T) {
	cli, kctx := parse(t, "settings", "set", "94771234567", "--prefix", "!", "--announce", "off")
	assert.Equal(t, "settings set <tenant>", kctx.Command())
	assert.Equal(t, "94771234567", cli.Settings.Set.Tenant)
	assert.Equal(t, "!", cli.Settings.Set.Prefix)
	assert.Equal(t, "off", cli.Settings.Set.Announce)
	assert.Empty(t, cli.Settings.Set.StatusRead)
}

func TestToggle(t *testing.T) {
	b, err := toggle("announce", "")
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = toggle("announce", "on")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, *b)

	b, err = toggle("announce", "off")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.False(t, *b)

	_, err = toggle("announce", "maybe")
	assert.Error(t, err)
}

func TestSessionsSubcommands(t *testing.T) {
	_, kctx := parse(t, "sessions", "remove", "94771234567")
	assert.Equal(t, "sessions remove <tenant>", kctx.Command())

	cli, kctx := parse(t, "pair", "+94 77 123 4567")
	assert.Equal(t, "pair <number>", kctx.Command())
	assert.Equal(t, "+94 77 123 4567", cli.Pair.Number)
}
