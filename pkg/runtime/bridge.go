// Package runtime assembles the bridge: one intercom session and state
// coordinator per configured device, served over HTTP.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	appconfig "github.com/saker-ai/smart-intercom/internal/config"
	"github.com/saker-ai/smart-intercom/internal/device"
	apphttp "github.com/saker-ai/smart-intercom/internal/http"
	applogger "github.com/saker-ai/smart-intercom/internal/logger"
	"github.com/saker-ai/smart-intercom/pkg/intercom"
)

// ErrLocked is returned by Start when another bridge holds the data
// directory lock.
var ErrLocked = errors.New("another intercomd instance is running")

// ErrUnknownDevice is returned for ids absent from the configuration.
var ErrUnknownDevice = errors.New("unknown device")

// Device pairs a device session with its state coordinator.
type Device struct {
	Config      appconfig.DeviceConfig
	Client      *intercom.Client
	Coordinator *device.Coordinator

	unsubscribe func()
}

var _ apphttp.Registry = (*Bridge)(nil)

// Bridge owns every device session of one process.
type Bridge struct {
	cfg     appconfig.Config
	logger  *zap.Logger
	devices []*Device
	byID    map[string]*Device
	server  *http.Server

	mu   sync.Mutex
	lock *flock.Flock
}

// Load reads the configuration and builds the logger it describes. A
// non-empty logLevel replaces the configured level.
func Load(configPath, logLevel string) (appconfig.Config, *zap.Logger, error) {
	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return appconfig.Config{}, nil, fmt.Errorf("load intercom config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, err := applogger.New(cfg.Log)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	logger.Info("intercom config loaded",
		zap.String("config_path", configPath),
		zap.String("root_dir", cfg.RootDir),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.Int("devices", len(cfg.Devices)),
	)
	return cfg, logger, nil
}

// New builds a bridge for every configured device. Nothing connects until
// Start or ConnectDevice.
func New(cfg appconfig.Config, logger *zap.Logger) (*Bridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Bridge{
		cfg:    cfg,
		logger: logger,
		byID:   make(map[string]*Device, len(cfg.Devices)),
	}
	for _, dc := range cfg.Devices {
		d := newDevice(cfg, dc, logger)
		b.devices = append(b.devices, d)
		b.byID[dc.ID] = d
	}

	router := apphttp.NewRouter(b, apphttp.Options{
		Format:    cfg.Audio.Format(),
		ChunkSize: cfg.Audio.ChunkSize,
		Keepalive: cfg.Audio.KeepaliveTimeout,
	}, logger)
	b.server = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}
	b.server.RegisterOnShutdown(b.detachListeners)
	return b, nil
}

func newDevice(cfg appconfig.Config, dc appconfig.DeviceConfig, logger *zap.Logger) *Device {
	client := intercom.NewClient(cfg.ClientConfig(dc), logger)
	coord := device.NewCoordinator(dc.ID, client, device.Options{
		Name:         dc.Name,
		EnableAudio:  dc.AudioEnabled(),
		BufferFrames: cfg.Audio.BufferFrames,
	}, logger)
	return &Device{
		Config:      dc,
		Client:      client,
		Coordinator: coord,
		unsubscribe: client.Subscribe(coord),
	}
}

// Devices returns the coordinators in configuration order.
func (b *Bridge) Devices() []*device.Coordinator {
	out := make([]*device.Coordinator, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d.Coordinator)
	}
	return out
}

// Device returns the coordinator of device id.
func (b *Bridge) Device(id string) (*device.Coordinator, bool) {
	d, ok := b.byID[id]
	if !ok {
		return nil, false
	}
	return d.Coordinator, true
}

// Handler returns the HTTP API.
func (b *Bridge) Handler() http.Handler {
	return b.server.Handler
}

// Addr returns the configured listen address.
func (b *Bridge) Addr() string {
	return b.server.Addr
}

// Start takes the single-instance lock and connects every device. A device
// that cannot be reached is logged and left to its reconnect policy.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.acquireLock(); err != nil {
		return err
	}
	var wg sync.WaitGroup
	for _, d := range b.devices {
		wg.Add(1)
		go func(d *Device) {
			defer wg.Done()
			if err := d.Client.Connect(ctx); err != nil {
				b.logger.Warn("device unavailable at startup",
					zap.String("device", d.Config.ID),
					zap.String("url", d.Client.URL()),
					zap.Error(err),
				)
			}
		}(d)
	}
	wg.Wait()
	return nil
}

// ConnectDevice connects one device and waits for it to authenticate.
func (b *Bridge) ConnectDevice(ctx context.Context, id string) (*Device, error) {
	d, ok := b.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownDevice, id)
	}
	if err := d.Client.Connect(ctx); err != nil {
		return nil, err
	}
	if err := d.Client.WaitReady(ctx); err != nil {
		d.Client.Disconnect()
		return nil, err
	}
	return d, nil
}

// Run serves HTTP until Shutdown.
func (b *Bridge) Run() error {
	err := listen(b.server, b.cfg, b.logger)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// detachListeners stops every audio listener so streaming handlers return
// and server shutdown is not held open by them.
func (b *Bridge) detachListeners() {
	for _, d := range b.devices {
		d.Coordinator.Close()
	}
}

// Shutdown stops the HTTP server, then closes every device session.
func (b *Bridge) Shutdown(ctx context.Context) error {
	err := ignoreServerClosed(b.server.Shutdown(ctx))
	b.Close()
	return err
}

// Close disconnects every device and releases the instance lock.
func (b *Bridge) Close() {
	var wg sync.WaitGroup
	for _, d := range b.devices {
		wg.Add(1)
		go func(d *Device) {
			defer wg.Done()
			d.Client.Disconnect()
			d.unsubscribe()
			d.Coordinator.Close()
		}(d)
	}
	wg.Wait()
	b.releaseLock()
}

func (b *Bridge) acquireLock() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lock != nil {
		return nil
	}
	if err := os.MkdirAll(b.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(b.cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", b.cfg.LockPath(), err)
	}
	if !locked {
		return fmt.Errorf("%w (lock %s)", ErrLocked, b.cfg.LockPath())
	}
	b.lock = lock
	return nil
}

func (b *Bridge) releaseLock() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lock == nil {
		return
	}
	if err := b.lock.Unlock(); err != nil {
		b.logger.Warn("release instance lock failed", zap.Error(err))
	}
	b.lock = nil
}

func ignoreServerClosed(err error) error {
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
