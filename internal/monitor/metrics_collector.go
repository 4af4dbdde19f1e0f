package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/alert-scheduler/internal/model"
)

// StatusPublisher broadcasts the scheduler status snapshot
type StatusPublisher interface {
	PublishStatus(ctx context.Context, status model.SchedulerStatus) error
}

// HostCollector samples host CPU and memory usage and, when a publisher is
// set, broadcasts the scheduler status after every sample
type HostCollector struct {
	logger    *zap.Logger
	interval  time.Duration
	mu        sync.RWMutex
	latest    model.HostStats
	status    func() model.SchedulerStatus
	publisher StatusPublisher
	stop      chan struct{}
	stopOnce  sync.Once

	// replaced in tests
	sample func(ctx context.Context) (model.HostStats, error)
}

// NewHostCollector creates a new host collector
func NewHostCollector(interval time.Duration, logger *zap.Logger) *HostCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HostCollector{
		logger:   logger.Named("host-collector"),
		interval: interval,
		stop:     make(chan struct{}),
		sample:   sampleHost,
	}
}

// PublishStatus sets the status heartbeat source and its destination
func (c *HostCollector) PublishStatus(status func() model.SchedulerStatus, publisher StatusPublisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	c.publisher = publisher
}

// Start takes a first sample and starts the collection loop
func (c *HostCollector) Start(ctx context.Context) {
	c.logger.Info("Starting host collector", zap.Duration("interval", c.interval))
	c.collect(ctx)
	go c.collectLoop(ctx)
}

// Stop stops the collection loop
func (c *HostCollector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping host collector")
		close(c.stop)
	})
}

// HostStats returns the latest sample
func (c *HostCollector) HostStats() model.HostStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

func (c *HostCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *HostCollector) collect(ctx context.Context) {
	stats, err := c.sample(ctx)
	if err != nil {
		c.logger.Error("Failed to sample host", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.latest = stats
	status, publisher := c.status, c.publisher
	c.mu.Unlock()

	c.logger.Debug("Host sampled",
		zap.Float64("cpu_percent", stats.CPUPercent),
		zap.Float64("memory_percent", stats.MemoryPercent))

	if status == nil || publisher == nil {
		return
	}
	if err := publisher.PublishStatus(ctx, status()); err != nil {
		c.logger.Error("Failed to publish status", zap.Error(err))
	}
}

func sampleHost(ctx context.Context) (model.HostStats, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return model.HostStats{}, err
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.HostStats{}, err
	}

	stats := model.HostStats{MemoryPercent: memInfo.UsedPercent}
	if len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	}
	return stats, nil
}
