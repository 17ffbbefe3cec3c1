package plugins

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/wagate/internal/commands"
	"github.com/roelfdiedericks/wagate/internal/correlation"
	"github.com/roelfdiedericks/wagate/internal/settings"
	"github.com/roelfdiedericks/wagate/internal/transport"
)

type sent struct {
	to  string
	msg transport.Outgoing
}

type fakeConn struct {
	out []sent
}

func (f *fakeConn) ID() string   { return "h" }
func (f *fakeConn) Self() string { return "me@s.whatsapp.net" }
func (f *fakeConn) Send(_ context.Context, to string, msg transport.Outgoing, _ transport.SendOptions) (string, error) {
	f.out = append(f.out, sent{to: to, msg: msg})
	return fmt.Sprintf("MSG%d", len(f.out)), nil
}
func (f *fakeConn) MarkRead(context.Context, transport.MessageRef) error { return nil }
func (f *fakeConn) Logout(context.Context) error                         { return nil }
func (f *fakeConn) Close()                                               {}

const chat = "94770000000@s.whatsapp.net"

func setup(t *testing.T, opts Options) (*commands.Registry, *correlation.Store) {
	t.Helper()
	reg := commands.NewRegistry()
	reg.MustRegister(&commands.Descriptor{
		Pattern: "song", Category: "download", Description: "Downloads a song",
		Handler: func(context.Context, *commands.Context) error { return nil },
	})
	require.NoError(t, RegisterAll(reg, opts))
	return reg, correlation.New()
}

func newContext(reg *commands.Registry, corr *correlation.Store, conn *fakeConn, args ...string) *commands.Context {
	st := settings.Builtin()
	return &commands.Context{
		Tenant:      "94771234567",
		Chat:        chat,
		Sender:      chat,
		PushName:    "Nimal",
		Args:        args,
		IsCommand:   true,
		Prefix:      st.Prefix,
		Settings:    st,
		Message:     &transport.Message{Ref: transport.MessageRef{ID: "IN", Chat: chat}},
		Conn:        conn,
		Registry:    reg,
		Correlation: corr,
	}
}

func run(t *testing.T, reg *commands.Registry, c *commands.Context, name string) {
	t.Helper()
	d, ok := reg.Lookup(name)
	require.True(t, ok, name)
	require.NoError(t, d.Handler(context.Background(), c))
}

func TestRegisterAll(t *testing.T) {
	reg, _ := setup(t, Options{})
	for _, name := range []string{"menu", "ping", "p", "alive", "system", "uptime"} {
		_, ok := reg.Lookup(name)
		assert.True(t, ok, name)
	}
	assert.Equal(t, []string{"main", "download", "tools"}, reg.Categories())

	// Registering twice keeps the first set and is not an error.
	assert.NoError(t, RegisterAll(reg, Options{}))
}

func TestMainMenuRecordsCorrelation(t *testing.T) {
	reg, corr := setup(t, Options{OwnerName: "Sahan"})
	conn := &fakeConn{}
	run(t, reg, newContext(reg, corr, conn), "menu")

	require.Len(t, conn.out, 1)
	text := conn.out[0].msg.Text
	assert.Contains(t, text, "BOT")
	assert.Contains(t, text, "Sahan")
	assert.Contains(t, text, "1. 🏠 MAIN")
	assert.Contains(t, text, "2. 📥 DOWNLOAD")
	assert.Contains(t, text, "3. 🛠 TOOLS")

	assert.True(t, corr.Matches(chat, "MSG1"))
}

func TestMenuWithImage(t *testing.T) {
	reg, corr := setup(t, Options{MenuImage: []byte{0x89, 'P', 'N', 'G'}})
	conn := &fakeConn{}
	run(t, reg, newContext(reg, corr, conn), "menu")

	require.Len(t, conn.out, 1)
	assert.NotEmpty(t, conn.out[0].msg.Image)
	assert.Contains(t, conn.out[0].msg.Caption, "CATEGORIES")
}

func TestMenuSelection(t *testing.T) {
	reg, corr := setup(t, Options{})
	conn := &fakeConn{}
	run(t, reg, newContext(reg, corr, conn, "2"), "menu")

	require.Len(t, conn.out, 1)
	text := conn.out[0].msg.Text
	assert.Contains(t, text, "DOWNLOAD")
	assert.Contains(t, text, ".song")
	assert.NotContains(t, text, ".menu")
	_, ok := corr.Get(chat)
	assert.False(t, ok, "a category listing is not a menu")
}

func TestMenuBadSelectionShowsMainMenu(t *testing.T) {
	reg, corr := setup(t, Options{})
	conn := &fakeConn{}
	run(t, reg, newContext(reg, corr, conn, "42"), "menu")
	run(t, reg, newContext(reg, corr, conn, "hello"), "menu")

	require.Len(t, conn.out, 2)
	assert.Contains(t, conn.out[1].msg.Text, "CATEGORIES")
	assert.True(t, corr.Matches(chat, "MSG2"))
}

func TestPingAliveSystem(t *testing.T) {
	reg, corr := setup(t, Options{StartedAt: time.Now().Add(-90 * time.Minute)})
	conn := &fakeConn{}

	run(t, reg, newContext(reg, corr, conn), "p")
	require.Len(t, conn.out, 2)
	assert.Contains(t, conn.out[1].msg.Text, "Pong")
	assert.Equal(t, chat, conn.out[1].to)

	run(t, reg, newContext(reg, corr, conn), "alive")
	assert.Contains(t, conn.out[2].msg.Text, "*BOT* is alive")
	assert.Contains(t, conn.out[2].msg.Text, "1h 30m")

	run(t, reg, newContext(reg, corr, conn), "uptime")
	assert.Contains(t, conn.out[3].msg.Text, "Goroutines")
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "5s", formatUptime(5*time.Second))
	assert.Equal(t, "2m 0s", formatUptime(2*time.Minute))
	assert.Equal(t, "1d 1h 0m 1s", formatUptime(25*time.Hour+time.Second))
}

func TestLoadMenuImage(t *testing.T) {
	data, err := LoadMenuImage("")
	assert.NoError(t, err)
	assert.Nil(t, data)

	_, err = LoadMenuImage("/nonexistent/menu.png")
	assert.Error(t, err)
}
