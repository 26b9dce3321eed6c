package fpga

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
)

// DefaultRescan is the rediscovery period of the device plugin.
const DefaultRescan = 5 * time.Second

var ErrInvalidInterval = errors.New("rescan interval must be positive")

// Watcher rediscovers the devices periodically and reports what changed
// since the previous scan.
type Watcher struct {
	fsys     fs.FS
	interval time.Duration
	notify   func(context.Context, Changes)

	mx     sync.Mutex
	groups Groups
}

func NewWatcher(fsys fs.FS, interval time.Duration, notify func(context.Context, Changes)) *Watcher {
	return &Watcher{
		fsys:     fsys,
		interval: interval,
		notify:   notify,
		groups:   make(Groups),
	}
}

// Scan discovers the devices once and returns the changes against the last
// successful scan. A failed scan keeps the previous state.
func (w *Watcher) Scan() (Changes, error) {
	devices, err := Discover(w.fsys)
	if err != nil {
		return Changes{}, err
	}
	groups := Group(devices)

	w.mx.Lock()
	defer w.mx.Unlock()
	c := Diff(w.groups, groups)
	w.groups = groups
	return c, nil
}

// Groups returns the devices found by the last successful scan.
func (w *Watcher) Groups() Groups {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.groups
}

// Run scans immediately and then every interval until ctx is done. Changes
// are passed to notify, scan errors are logged and the next scan retries.
func (w *Watcher) Run(ctx context.Context) error {
	if w.interval <= 0 {
		return ErrInvalidInterval
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(w.interval),
		gocron.NewTask(func() { w.rescan(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("initializing gocron job: %w", err)
	}

	slog.DebugContext(ctx, "watching fpga devices", "interval", w.interval.String())
	s.Start()
	<-ctx.Done()
	if err := s.Shutdown(); err != nil {
		return fmt.Errorf("shutting down gocron: %w", err)
	}
	return nil
}

func (w *Watcher) rescan(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c, err := w.Scan()
	if err != nil {
		slog.WarnContext(ctx, "fpga discovery failed", "error", err)
		return
	}
	if !c.Empty() && w.notify != nil {
		w.notify(ctx, c)
	}
}
