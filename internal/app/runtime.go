package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/skobkin/adbwire/internal/bus"
	"github.com/skobkin/adbwire/internal/client"
	"github.com/skobkin/adbwire/internal/config"
	"github.com/skobkin/adbwire/internal/events"
	"github.com/skobkin/adbwire/internal/logging"
	"github.com/skobkin/adbwire/internal/monitor"
	"github.com/skobkin/adbwire/internal/natsbridge"
	"github.com/skobkin/adbwire/internal/notifications"
	"github.com/skobkin/adbwire/internal/persistence"
	"github.com/skobkin/adbwire/internal/platform"
	"github.com/skobkin/adbwire/internal/transport"
)

// Options are command line overrides applied on top of the config file.
type Options struct {
	ConfigFile string
	LogLevel   string
	Host       string
	Port       int
	// Console receives log output; nil means stderr.
	Console io.Writer
	// Socket replaces the TCP socket to the adb server.
	Socket transport.Socket
}

type Runtime struct {
	mu sync.RWMutex

	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	Client     *client.Client

	DB          *sql.DB
	DeviceRepo  *persistence.DeviceRepo
	EventRepo   *persistence.EventRepo
	WriterQueue *persistence.WriterQueue

	nats        *nats.Conn
	historyLock *platform.FileLock

	statusMu    sync.RWMutex
	status      events.MonitorStatus
	statusKnown bool

	closeOnce sync.Once
}

func Initialize(parent context.Context, opts Options) (*Runtime, error) {
	paths, err := ResolvePaths(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port > 0 {
		cfg.Server.Port = opts.Port
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: cfg,
	}

	logMgr := logging.NewManager(opts.Console)
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	slog.Debug("starting adbwire runtime", "version", BuildVersion(), "build_date", BuildDateYMD(), "server", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))

	b := bus.New(logMgr.Logger("bus"), 0)
	rt.Bus = b
	statusSub := b.Subscribe(events.TopicMonitorStatus)
	go rt.captureMonitorStatus(ctx, statusSub)

	socket := opts.Socket
	if socket == nil {
		tcp := transport.NewTCPSocket(cfg.Server.Host, cfg.Server.Port, logMgr.Logger("transport"))
		tcp.SetDialTimeout(cfg.Server.DialTimeout())
		socket = tcp
	}
	rt.Client = client.New(socket, logMgr.Logger("client"))

	return rt, nil
}

// NewMonitor returns a device monitor configured from the config and publishing on the bus.
func (r *Runtime) NewMonitor() *monitor.Monitor {
	cfg := r.CurrentConfig()
	initial, maximum := cfg.Monitor.Backoff()

	return r.Client.NewMonitor(
		monitor.WithLogger(r.LogManager.Logger("monitor")),
		monitor.WithBus(r.Bus),
		monitor.WithFormat(TrackFormat(cfg.Monitor.Format)),
		monitor.WithBackOff(monitor.DefaultBackOff(initial, maximum)),
		monitor.WithEventBuffer(cfg.Monitor.EventBuffer),
	)
}

// TrackFormat maps the config value onto the tracking service variant.
func TrackFormat(format config.TrackFormat) transport.TrackFormat {
	switch format {
	case config.TrackFormatShort:
		return transport.TrackShort
	case config.TrackFormatProto:
		return transport.TrackProto
	default:
		return transport.TrackLong
	}
}

// OpenHistory opens the device history database without recording anything.
func (r *Runtime) OpenHistory() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.DB != nil {
		return nil
	}

	db, err := persistence.Open(r.Ctx, r.Paths.HistoryFile(r.Config.History.Path))
	if err != nil {
		return err
	}
	r.DB = db
	r.DeviceRepo = persistence.NewDeviceRepo(db)
	r.EventRepo = persistence.NewEventRepo(db)

	return nil
}

// ErrHistoryBusy is returned by EnableHistory while another process records history into
// the same database.
var ErrHistoryBusy = errors.New("device history is already being recorded by another process")

// EnableHistory records every device event published on the bus. Only one process at a
// time may record into a database.
func (r *Runtime) EnableHistory() error {
	if err := r.OpenHistory(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.WriterQueue != nil {
		return nil
	}
	lock, err := platform.LockFile(r.Paths.HistoryFile(r.Config.History.Path) + ".lock")
	if errors.Is(err, platform.ErrLocked) {
		return ErrHistoryBusy
	}
	if err != nil {
		return err
	}
	r.historyLock = lock
	queue := persistence.NewWriterQueue(r.LogManager.Logger("persistence"), 512)
	queue.Start(r.Ctx)
	r.WriterQueue = queue
	persistence.StartHistorySync(r.Ctx, r.Bus, queue, r.DeviceRepo, r.EventRepo)

	return nil
}

// EnableNotifications shows device events through sender, or the desktop when sender is nil.
func (r *Runtime) EnableNotifications(sender notifications.Sender) {
	if sender == nil {
		sender = notifications.NewDesktopSender(Name, r.LogManager.Logger("notifications"))
	}
	svc := notifications.NewService(r.Bus, func() config.NotifyConfig {
		return r.CurrentConfig().Notify
	}, sender, r.LogManager.Logger("notifications"))
	svc.Start(r.Ctx)
}

// EnableNATS connects to the configured NATS server and republishes bus events there.
func (r *Runtime) EnableNATS() error {
	cfg := r.CurrentConfig().NATS
	nc, err := natsbridge.Connect(cfg.URL, Name, r.LogManager.Logger("nats"))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.nats = nc
	r.mu.Unlock()

	natsbridge.New(r.Bus, nc, cfg.SubjectPrefix, r.LogManager.Logger("nats")).Start(r.Ctx)

	return nil
}

func (r *Runtime) captureMonitorStatus(ctx context.Context, sub bus.Subscription) {
	defer r.Bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub:
			if !ok {
				return
			}
			status, ok := raw.(events.MonitorStatus)
			if !ok {
				continue
			}
			r.statusMu.Lock()
			r.status = status
			r.statusKnown = true
			r.statusMu.Unlock()
		}
	}
}

// CurrentMonitorStatus returns the last monitor status seen on the bus.
func (r *Runtime) CurrentMonitorStatus() (events.MonitorStatus, bool) {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()

	return r.status, r.statusKnown
}

func (r *Runtime) CurrentConfig() config.AppConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.Config
}

// SetConfig replaces the in-memory config for this run without touching the file.
func (r *Runtime) SetConfig(cfg config.AppConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Config = cfg
}

// SaveConfig validates cfg, writes it to the config file and applies the logging part.
func (r *Runtime) SaveConfig(cfg config.AppConfig) error {
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if err := config.Save(r.Paths.ConfigFile, cfg); err != nil {
		r.mu.Unlock()
		return err
	}
	r.Config = cfg
	r.mu.Unlock()

	return r.LogManager.Configure(cfg.Logging, r.Paths.LogFile)
}

// Close flushes pending history writes and releases everything Initialize and the
// Enable* methods opened. Later calls do nothing.
func (r *Runtime) Close() error {
	r.closeOnce.Do(r.close)

	return nil
}

func (r *Runtime) close() {
	r.mu.RLock()
	queue := r.WriterQueue
	r.mu.RUnlock()
	if queue != nil {
		queue.Wait()
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.nats != nil {
		if err := r.nats.Drain(); err != nil {
			r.nats.Close()
		}
	}
	if r.DB != nil {
		_ = r.DB.Close()
	}
	if r.historyLock != nil {
		_ = r.historyLock.Release()
	}
	if r.LogManager != nil {
		_ = r.LogManager.Close()
	}
}
