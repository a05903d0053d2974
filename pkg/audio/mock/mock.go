// Package mock has in-memory stand-ins for [audio.Platform] and
// [audio.Connection]. Configure them through their exported fields; every
// method is safe for concurrent use.
//
//	conn := &mock.Connection{GuildIDResult: "g1", ChannelIDResult: "v1"}
//	platform := &mock.Platform{ConnectResult: conn}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/chorus/pkg/audio"
)

var (
	_ audio.Connection = (*Connection)(nil)
	_ audio.Platform   = (*Platform)(nil)
)

// Connection is a joined voice channel that never receives audio on its
// own. Tests feed the attached handler directly via [Connection.Handler].
type Connection struct {
	mu sync.Mutex

	GuildIDResult   string
	ChannelIDResult string

	// OutputStreamResult is created with room for 64 frames when nil.
	OutputStreamResult chan []byte
	DisconnectError    error

	CallCountDisconnect        int
	CallCountSetReceiveHandler int

	handler audio.ReceiveHandler
}

func (c *Connection) GuildID() string   { return c.locked(func() string { return c.GuildIDResult }) }
func (c *Connection) ChannelID() string { return c.locked(func() string { return c.ChannelIDResult }) }

func (c *Connection) locked(get func() string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return get()
}

func (c *Connection) SetReceiveHandler(h audio.ReceiveHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountSetReceiveHandler++
	c.handler = h
}

// Handler returns what SetReceiveHandler last attached.
func (c *Connection) Handler() audio.ReceiveHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

func (c *Connection) OutputStream() chan<- []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OutputStreamResult == nil {
		c.OutputStreamResult = make(chan []byte, 64)
	}
	return c.OutputStreamResult
}

func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	return c.DisconnectError
}

// ConnectCall is one recorded [Platform.Connect].
type ConnectCall struct {
	GuildID   string
	ChannelID string
}

// Platform returns ConnectError if set, otherwise the result of
// ConnectFunc if set, otherwise ConnectResult.
type Platform struct {
	mu sync.Mutex

	ConnectResult audio.Connection
	ConnectFunc   func(guildID, channelID string) audio.Connection
	ConnectError  error

	ConnectCalls []ConnectCall
}

func (p *Platform) Connect(_ context.Context, guildID, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{GuildID: guildID, ChannelID: channelID})
	switch {
	case p.ConnectError != nil:
		return nil, p.ConnectError
	case p.ConnectFunc != nil:
		return p.ConnectFunc(guildID, channelID), nil
	default:
		return p.ConnectResult, nil
	}
}

// Calls returns a snapshot of ConnectCalls.
func (p *Platform) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}
