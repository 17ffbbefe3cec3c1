package gateway

import (
	"context"
	"encoding/json"

	"github.com/roelfdiedericks/wagate/internal/settings"
	"github.com/roelfdiedericks/wagate/internal/store"
	"github.com/roelfdiedericks/wagate/internal/transport"
	"github.com/roelfdiedericks/wagate/internal/transport/whatsapp"
)

// unavailable stands in for the store or the transport when it could not
// be opened at startup. Every call fails with err and the insertion feed
// is empty, so no session is ever supervised.
type unavailable struct {
	err error
}

func (u unavailable) FindAllSessions(context.Context) ([]*store.Session, error) {
	return nil, u.err
}

func (u unavailable) GetSession(context.Context, string) (*store.Session, error) {
	return nil, u.err
}

func (u unavailable) InsertSession(context.Context, string, json.RawMessage) (*store.Session, error) {
	return nil, u.err
}

func (u unavailable) UpdateCredentials(context.Context, string, json.RawMessage) error {
	return u.err
}

func (u unavailable) DeleteSession(context.Context, string) error {
	return u.err
}

func (u unavailable) GetSettings(context.Context, string) (*settings.Overrides, error) {
	return nil, u.err
}

func (u unavailable) SaveSettings(context.Context, string, *settings.Overrides) error {
	return u.err
}

func (u unavailable) WatchInsertions(context.Context, int64) <-chan *store.Session {
	ch := make(chan *store.Session)
	close(ch)
	return ch
}

func (u unavailable) Open(context.Context, transport.Credentials, chan<- transport.Event) (transport.Conn, error) {
	return nil, u.err
}

func (u unavailable) Forget(context.Context, transport.Credentials) error {
	return u.err
}

func (u unavailable) PairPhone(string, func(whatsapp.Paired, error)) (string, error) {
	return "", u.err
}
