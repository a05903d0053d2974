package resilience

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/chorus/pkg/audio"
)

var _ audio.Platform = (*Platform)(nil)

// Platform guards the voice joins of an inner [audio.Platform] with one
// [Breaker] per guild. A guild whose joins keep failing gets
// [ErrCircuitOpen] until its cooldown ends; other guilds are unaffected.
type Platform struct {
	inner audio.Platform
	cfg   BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewPlatform wraps inner. cfg.Name is suffixed with the guild ID in logs.
func NewPlatform(inner audio.Platform, cfg BreakerConfig) *Platform {
	if cfg.Name == "" {
		cfg.Name = "voice-join"
	}
	return &Platform{inner: inner, cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	var conn audio.Connection
	err := p.breaker(guildID).Do(func() error {
		c, err := p.inner.Connect(ctx, guildID, channelID)
		conn = c
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resilience: join %s/%s: %w", guildID, channelID, err)
	}
	return conn, nil
}

// State returns the breaker state of guildID.
func (p *Platform) State(guildID string) State {
	p.mu.Lock()
	b, ok := p.breakers[guildID]
	p.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return b.State()
}

func (p *Platform) breaker(guildID string) *Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[guildID]
	if !ok {
		cfg := p.cfg
		cfg.Name += "/" + guildID
		b = NewBreaker(cfg)
		p.breakers[guildID] = b
	}
	return b
}
