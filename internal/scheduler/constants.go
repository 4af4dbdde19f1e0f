package scheduler

import "time"

// Backend names accepted by scheduler.type
const (
	BackendSimple     = "simple"
	BackendPersistent = "persistent"
)

const (
	defaultCorePoolSize = 10
	defaultPollInterval = time.Second
	defaultLockTTL      = 300 * time.Second

	// due tasks claimed per poll, per worker
	pollBatchPerWorker = 4
)
