// Package mock provides a fake interaction responder for tests of Discord
// command handlers.
package mock

import (
	"sync"

	"github.com/bwmarrin/discordgo"
)

// InteractionResponder satisfies discord.Responder by keeping every reply
// in memory.
type InteractionResponder struct {
	mu sync.Mutex

	Responses []*discordgo.InteractionResponse
	FollowUps []*discordgo.WebhookParams

	// Err, when set, is returned from both methods after the call has been
	// recorded.
	Err error
}

func (m *InteractionResponder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	return m.Err
}

func (m *InteractionResponder) FollowupMessageCreate(i *discordgo.Interaction, _ bool, params *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FollowUps = append(m.FollowUps, params)
	if m.Err != nil {
		return nil, m.Err
	}
	msg := &discordgo.Message{Content: params.Content, Flags: params.Flags}
	if i != nil {
		msg.ChannelID = i.ChannelID
	}
	return msg, nil
}

// LastResponse returns the newest response or nil.
func (m *InteractionResponder) LastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return last(m.Responses)
}

// LastFollowUp returns the newest follow-up or nil.
func (m *InteractionResponder) LastFollowUp() *discordgo.WebhookParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return last(m.FollowUps)
}

// Reset forgets all replies and clears Err.
func (m *InteractionResponder) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses, m.FollowUps, m.Err = nil, nil, nil
}

func last[T any](s []*T) *T {
	if len(s) == 0 {
		return nil
	}
	return s[len(s)-1]
}
