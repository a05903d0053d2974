package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/chorus/internal/config"
	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/pkg/audio"
	"github.com/MrWong99/chorus/pkg/audio/recorder"
)

// Sentinel errors returned by [Manager].
var (
	ErrManagerClosed = errors.New("control: manager closed")
	ErrNoGuild       = errors.New("control: guild id required")
)

// Subscriber receives the events of recordings that end without being asked
// to, for example when the output file cannot be written or the server shuts
// down. Notify must not block.
type Subscriber interface {
	Notify(ev Event)
}

// RecordRequest describes a recording to start. Zero fields fall back to
// the configured recording defaults.
type RecordRequest struct {
	GuildID string

	// ID names the recording; a UUID is generated when empty.
	ID string

	Format    recorder.Format
	Channels  int
	Bitrate   int
	SelfAudio bool
	Users     []string
}

// RecordingInfo describes an active recording.
type RecordingInfo struct {
	GuildID string
	ID      string
	Path    string
	Started time.Time

	// Attached reports whether the recording is bound to a voice connection
	// and receiving audio. A recording requested before the guild's voice
	// connection exists waits for [Manager.Connect].
	Attached bool
}

type recording struct {
	id       string
	path     string
	started  time.Time
	recv     *recorder.Receiver
	sub      Subscriber
	attached bool
}

// guildState is guarded by its own mutex so a slow voice join in one guild
// does not stall the others. A state marked gone has been removed from the
// manager and must be looked up again.
type guildState struct {
	mu   sync.Mutex
	id   string
	conn audio.Connection
	rec  *recording
	gone bool
}

// Manager owns the voice connections and recordings of every guild. At most
// one recording runs per guild; it is attached as the receive handler of the
// guild's connection and started once that connection exists.
//
// All methods are safe for concurrent use.
type Manager struct {
	platform audio.Platform
	log      *slog.Logger
	metrics  *observe.Metrics
	recvOpts []recorder.Option
	newID    func() string
	now      func() time.Time

	defaultsMu sync.RWMutex
	defaults   config.RecordingConfig

	mu     sync.Mutex
	guilds map[string]*guildState
	closed bool
}

// Option configures a [Manager].
type Option func(*Manager)

// WithLogger sets the manager's logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics records recording counts and receiver activity on met.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithReceiverOptions appends opts to the options of every receiver the
// manager creates.
func WithReceiverOptions(opts ...recorder.Option) Option {
	return func(m *Manager) { m.recvOpts = append(m.recvOpts, opts...) }
}

// WithIDGenerator replaces the UUID generator used for recordings without
// an explicit id.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// NewManager creates a manager joining voice channels through platform and
// recording with defaults unless a request overrides them.
func NewManager(platform audio.Platform, defaults config.RecordingConfig, opts ...Option) *Manager {
	m := &Manager{
		platform: platform,
		log:      slog.Default(),
		newID:    uuid.NewString,
		now:      time.Now,
		defaults: defaults,
		guilds:   make(map[string]*guildState),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetDefaults replaces the recording defaults used by subsequent
// recordings. Running recordings keep their settings.
func (m *Manager) SetDefaults(cfg config.RecordingConfig) {
	m.defaultsMu.Lock()
	defer m.defaultsMu.Unlock()
	m.defaults = cfg
}

// Defaults returns the current recording defaults.
func (m *Manager) Defaults() config.RecordingConfig {
	m.defaultsMu.RLock()
	defer m.defaultsMu.RUnlock()
	return m.defaults
}

// lockGuild returns the locked state of guildID, creating it on demand.
func (m *Manager) lockGuild(guildID string) (*guildState, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}
		g, ok := m.guilds[guildID]
		if !ok {
			g = &guildState{id: guildID}
			m.guilds[guildID] = g
		}
		m.mu.Unlock()

		g.mu.Lock()
		if !g.gone {
			return g, nil
		}
		g.mu.Unlock()
	}
}

// lookupGuild returns the locked state of guildID, or nil if the manager
// knows nothing about the guild.
func (m *Manager) lookupGuild(guildID string) *guildState {
	for {
		m.mu.Lock()
		g, ok := m.guilds[guildID]
		m.mu.Unlock()
		if !ok {
			return nil
		}
		g.mu.Lock()
		if !g.gone {
			return g
		}
		g.mu.Unlock()
	}
}

// forget removes g from the manager. Must be called with g.mu held.
func (m *Manager) forget(g *guildState) {
	g.gone = true
	m.mu.Lock()
	if m.guilds[g.id] == g {
		delete(m.guilds, g.id)
	}
	m.mu.Unlock()
}

// Connect joins channelID in guildID. Joining the channel the guild is
// already connected to is a no-op; joining another channel leaves the old
// one first. A recording waiting for the guild is attached and started.
func (m *Manager) Connect(ctx context.Context, guildID, channelID string) error {
	if guildID == "" {
		return ErrNoGuild
	}
	if channelID == "" {
		return errors.New("control: channel id required")
	}
	g, err := m.lockGuild(guildID)
	if err != nil {
		return err
	}
	defer g.mu.Unlock()

	if g.conn != nil {
		if g.conn.ChannelID() == channelID {
			return nil
		}
		if err := m.disconnectLocked(g); err != nil {
			m.log.Warn("leaving previous voice channel failed", "guild_id", guildID, "err", err)
		}
	}

	conn, err := m.platform.Connect(ctx, guildID, channelID)
	if err != nil {
		return fmt.Errorf("control: join %s/%s: %w", guildID, channelID, err)
	}
	g.conn = conn
	m.log.Info("voice connected", "guild_id", guildID, "channel_id", channelID)

	if g.rec != nil {
		return m.attachLocked(g)
	}
	return nil
}

// Record toggles the guild's recording: it starts one when none is active
// and otherwise stops the active one, whatever the request's other fields.
// The returned event is recordStarted, recordFinished or, when finalising
// the output failed, recordFailed. sub is told about the recording ending on
// its own; it may be nil.
func (m *Manager) Record(req RecordRequest, sub Subscriber) (Event, error) {
	if req.GuildID == "" {
		return Event{}, ErrNoGuild
	}
	g, err := m.lockGuild(req.GuildID)
	if err != nil {
		return Event{}, err
	}
	defer g.mu.Unlock()

	if g.rec != nil {
		return m.finishLocked(g), nil
	}
	return m.startLocked(g, req, sub)
}

// Start starts a recording for the guild unless one is already active.
func (m *Manager) Start(req RecordRequest, sub Subscriber) (Event, error) {
	if req.GuildID == "" {
		return Event{}, ErrNoGuild
	}
	g, err := m.lockGuild(req.GuildID)
	if err != nil {
		return Event{}, err
	}
	defer g.mu.Unlock()

	if g.rec != nil {
		return Event{}, fmt.Errorf("control: guild %s is already recording %s", g.id, g.rec.id)
	}
	return m.startLocked(g, req, sub)
}

// Stop finishes the guild's active recording. ok is false when nothing was
// recording.
func (m *Manager) Stop(guildID string) (ev Event, ok bool) {
	g := m.lookupGuild(guildID)
	if g == nil {
		return Event{}, false
	}
	defer g.mu.Unlock()

	if g.rec == nil {
		return Event{}, false
	}
	return m.finishLocked(g), true
}

// Destroy finishes the guild's recording, if any, and leaves its voice
// channel. ok reports whether a recording was finished.
func (m *Manager) Destroy(guildID string) (ev Event, ok bool, err error) {
	ev, _, ok, err = m.destroy(guildID, "")
	return ev, ok, err
}

// HandleVoiceLeave tears the guild down after the bot was removed from
// channelID, telling the recording's subscriber that it finished. A leave
// reported for a channel the guild is no longer connected to, such as the
// old channel after a move, is ignored.
func (m *Manager) HandleVoiceLeave(guildID, channelID string) {
	ev, sub, ok, err := m.destroy(guildID, channelID)
	if err != nil {
		m.log.Debug("cleaning up lost voice connection", "guild_id", guildID, "err", err)
	}
	if ok && sub != nil {
		sub.Notify(ev)
	}
}

// destroy tears the guild down. A non-empty channelID limits it to a guild
// connected to that channel.
func (m *Manager) destroy(guildID, channelID string) (Event, Subscriber, bool, error) {
	g := m.lookupGuild(guildID)
	if g == nil {
		return Event{}, nil, false, nil
	}
	defer g.mu.Unlock()

	if channelID != "" && (g.conn == nil || g.conn.ChannelID() != channelID) {
		return Event{}, nil, false, nil
	}

	var (
		ev  Event
		sub Subscriber
		ok  bool
	)
	if g.rec != nil {
		sub = g.rec.sub
		ev, ok = m.finishLocked(g), true
	}
	err := m.disconnectLocked(g)
	m.forget(g)
	return ev, sub, ok, err
}

// Release finishes every recording started for sub without notifying it.
// It is called when a control client goes away.
func (m *Manager) Release(sub Subscriber) {
	for _, g := range m.snapshot() {
		g.mu.Lock()
		if !g.gone && g.rec != nil && g.rec.sub == sub {
			ev := m.finishLocked(g)
			m.log.Info("released recording of departed client", "guild_id", g.id, "id", ev.ID, "op", ev.Op)
		}
		g.mu.Unlock()
	}
}

// Recording returns the guild's active recording.
func (m *Manager) Recording(guildID string) (RecordingInfo, bool) {
	g := m.lookupGuild(guildID)
	if g == nil {
		return RecordingInfo{}, false
	}
	defer g.mu.Unlock()

	if g.rec == nil {
		return RecordingInfo{}, false
	}
	return g.rec.info(g.id), true
}

// Recordings lists the active recordings ordered by guild id.
func (m *Manager) Recordings() []RecordingInfo {
	var out []RecordingInfo
	for _, g := range m.snapshot() {
		g.mu.Lock()
		if !g.gone && g.rec != nil {
			out = append(out, g.rec.info(g.id))
		}
		g.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b RecordingInfo) int { return strings.Compare(a.GuildID, b.GuildID) })
	return out
}

// Close finishes every recording, notifying its subscriber, and leaves all
// voice channels. Later calls are no-ops.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, g := range m.snapshot() {
		g.mu.Lock()
		if g.gone {
			g.mu.Unlock()
			continue
		}
		var (
			ev  Event
			sub Subscriber
		)
		if g.rec != nil {
			sub = g.rec.sub
			ev = m.finishLocked(g)
			if ev.Op == OpRecordFailed {
				errs = append(errs, fmt.Errorf("control: recording %s in guild %s: %s", ev.ID, g.id, ev.Error))
			}
		}
		if err := m.disconnectLocked(g); err != nil {
			errs = append(errs, err)
		}
		m.forget(g)
		g.mu.Unlock()

		if sub != nil {
			sub.Notify(ev)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) snapshot() []*guildState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*guildState, 0, len(m.guilds))
	for _, g := range m.guilds {
		out = append(out, g)
	}
	return out
}

// startLocked creates the recording and attaches it when the guild is
// connected. Must be called with g.mu held.
func (m *Manager) startLocked(g *guildState, req RecordRequest, sub Subscriber) (Event, error) {
	id := req.ID
	if id == "" {
		id = m.newID()
	}
	opts := m.Defaults().Options(g.id, id)
	if req.Format != "" {
		opts.Format = req.Format
	}
	if req.Channels > 0 {
		opts.Channels = req.Channels
	}
	if req.Bitrate > 0 {
		opts.Bitrate = req.Bitrate
	}
	opts.SelfAudio = req.SelfAudio
	opts.Users = req.Users

	// rec is assigned before the receiver starts, so the failure callback
	// always sees it.
	var rec *recording
	ropts := []recorder.Option{
		recorder.WithLogger(m.log.With("guild_id", g.id, "recording_id", id)),
		recorder.OnFailure(func(error) { m.recordingFailed(g.id, rec) }),
	}
	if m.metrics != nil {
		ropts = append(ropts, recorder.WithObserver(m.metrics))
	}
	recv, err := recorder.New(opts, append(ropts, m.recvOpts...)...)
	if err != nil {
		return Event{}, fmt.Errorf("control: start recording %s: %w", id, err)
	}
	rec = &recording{
		id:      id,
		path:    recv.Options().Path(),
		started: m.now(),
		recv:    recv,
		sub:     sub,
	}
	g.rec = rec
	if m.metrics != nil {
		m.metrics.ActiveRecordings.Add(context.Background(), 1)
	}

	if g.conn != nil {
		if err := m.attachLocked(g); err != nil {
			if ev := m.finishLocked(g); ev.Op == OpRecordFailed {
				err = errors.Join(err, errors.New(ev.Error))
			}
			return Event{}, err
		}
	}
	return Event{Op: OpRecordStarted, GuildID: g.id, ID: id, Path: rec.path}, nil
}

// attachLocked binds the guild's recording to its connection and starts it.
func (m *Manager) attachLocked(g *guildState) error {
	g.conn.SetReceiveHandler(g.rec.recv)
	if err := g.rec.recv.Start(); err != nil {
		g.conn.SetReceiveHandler(nil)
		return fmt.Errorf("control: start recording %s: %w", g.rec.id, err)
	}
	g.rec.attached = true
	return nil
}

// finishLocked detaches and closes the guild's recording and returns the
// event describing how it ended.
func (m *Manager) finishLocked(g *guildState) Event {
	rec := g.rec
	g.rec = nil
	if g.conn != nil {
		g.conn.SetReceiveHandler(nil)
	}

	ev := Event{Op: OpRecordFinished, GuildID: g.id, ID: rec.id, Path: rec.path}
	status := "finished"
	if err := rec.recv.Close(); err != nil {
		ev.Op, ev.Error = OpRecordFailed, err.Error()
		status = "failed"
		m.log.Error("recording failed", "guild_id", g.id, "id", rec.id, "err", err)
	}
	if m.metrics != nil {
		ctx := context.Background()
		m.metrics.ActiveRecordings.Add(ctx, -1)
		m.metrics.RecordRecordingEnded(ctx, status)
	}
	return ev
}

// recordingFailed ends rec after its output failed, unless it was stopped in
// the meantime.
func (m *Manager) recordingFailed(guildID string, rec *recording) {
	g := m.lookupGuild(guildID)
	if g == nil {
		return
	}
	if g.rec != rec {
		g.mu.Unlock()
		return
	}
	ev := m.finishLocked(g)
	g.mu.Unlock()

	if rec.sub != nil {
		rec.sub.Notify(ev)
	}
}

func (m *Manager) disconnectLocked(g *guildState) error {
	if g.conn == nil {
		return nil
	}
	conn := g.conn
	g.conn = nil
	conn.SetReceiveHandler(nil)
	if err := conn.Disconnect(); err != nil {
		return fmt.Errorf("control: leave voice in guild %s: %w", g.id, err)
	}
	m.log.Info("voice disconnected", "guild_id", g.id)
	return nil
}

func (r *recording) info(guildID string) RecordingInfo {
	return RecordingInfo{
		GuildID:  guildID,
		ID:       r.id,
		Path:     r.path,
		Started:  r.started,
		Attached: r.attached,
	}
}
