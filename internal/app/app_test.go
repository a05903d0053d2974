package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/chorus/internal/app"
	"github.com/MrWong99/chorus/internal/config"
	"github.com/MrWong99/chorus/internal/control"
	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/pkg/audio"
	audiomock "github.com/MrWong99/chorus/pkg/audio/mock"
	"github.com/MrWong99/chorus/pkg/audio/recorder"
)

// testConfig returns a config listening on a random local port and writing
// PCM recordings to a temporary directory.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server:  config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Discord: config.DiscordConfig{GuildID: "g1"},
		Recording: config.RecordingConfig{
			Dir:    t.TempDir(),
			Format: recorder.FormatPCM,
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testPlatform() *audiomock.Platform {
	return &audiomock.Platform{ConnectFunc: func(guildID, channelID string) audio.Connection {
		return &audiomock.Connection{GuildIDResult: guildID, ChannelIDResult: channelID}
	}}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithPlatform(testPlatform()), app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return a
}

func startApp(t *testing.T, a *app.App) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	var once bool
	var runErr error
	cancel = func() error {
		if once {
			return runErr
		}
		once = true
		stop()
		select {
		case runErr = <-errCh:
		case <-time.After(5 * time.Second):
			t.Fatal("Run() did not return within 5s after cancellation")
		}
		return runErr
	}
	t.Cleanup(func() { _ = cancel() })
	return cancel
}

func dialControl(t *testing.T, a *app.App, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return websocket.Dial(ctx, "ws://"+a.Addr().String()+"/v1/ws", &websocket.DialOptions{HTTPHeader: header})
}

func exchange(t *testing.T, conn *websocket.Conn, msg string) control.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if msg != "" {
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev control.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return ev
}

func TestNew_NoPlatform(t *testing.T) {
	t.Parallel()

	if _, err := app.New(context.Background(), testConfig(t), app.WithMetrics(testMetrics(t))); err == nil {
		t.Fatal("New() without platform succeeded")
	}
}

func TestNew_ListenError(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.ListenAddr = ln.Addr().String()
	if _, err := app.New(context.Background(), cfg, app.WithPlatform(testPlatform()), app.WithMetrics(testMetrics(t))); err == nil {
		t.Fatal("New() on a busy address succeeded")
	}
}

func TestApp_ServesHTTPEndpoints(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	startApp(t, a)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get("http://" + a.Addr().String() + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestApp_ShutdownFinishesRecordings(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	cancel := startApp(t, a)

	conn, _, err := dialControl(t, a, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	// guildId is omitted; the configured home guild applies.
	ctx, cancelWrite := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelWrite()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"op":"voiceUpdate","channelId":"v1"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := exchange(t, conn, `{"op":"record","id":"r1"}`)
	if ev.Op != control.OpRecordStarted || ev.GuildID != "g1" || ev.ID != "r1" {
		t.Fatalf("record reply = %+v, want recordStarted for g1/r1", ev)
	}
	if info, ok := a.Manager().Recording("g1"); !ok || !info.Attached {
		t.Fatalf("Recording(g1) = %+v, %v; want an attached recording", info, ok)
	}

	if err := cancel(); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}

	ev = exchange(t, conn, "")
	if ev.Op != control.OpRecordFinished || ev.ID != "r1" {
		t.Errorf("shutdown event = %+v, want recordFinished for r1", ev)
	}
	if _, ok := a.Manager().Recording("g1"); ok {
		t.Error("recording still active after shutdown")
	}

	// A second Shutdown is a no-op.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}

func TestApp_ShutdownWithoutRun(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a := newTestApp(t, cfg)
	addr := a.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	// The listener is released.
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("address %s still bound: %v", addr, err)
	}
	ln.Close()
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()

	old := testConfig(t)
	old.Server.Password = "first"
	lv := new(slog.LevelVar)
	a := newTestApp(t, old, app.WithLogLevel(lv))
	startApp(t, a)

	updated := *old
	updated.Server.Password = "second"
	updated.Server.LogLevel = config.LogDebug
	updated.Recording.Channels = 1
	updated.Server.ListenAddr = "127.0.0.1:1"
	a.Reload(old, &updated)

	if got := lv.Level(); got != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", got)
	}
	if got := a.Manager().Defaults(); got != updated.Recording {
		t.Errorf("Defaults() = %+v, want %+v", got, updated.Recording)
	}

	_, resp, err := dialControl(t, a, http.Header{"Authorization": {"first"}})
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("dial with old password: resp=%v err=%v, want 401", resp, err)
	}
	conn, _, err := dialControl(t, a, http.Header{"Authorization": {"second"}})
	if err != nil {
		t.Fatalf("dial with new password: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")

	// The listen address needs a restart and is left alone.
	if got := a.Addr().String(); got == updated.Server.ListenAddr {
		t.Error("listen address changed without restart")
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
