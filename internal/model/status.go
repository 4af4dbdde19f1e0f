package model

import "time"

// SchedulerStatus is a point-in-time snapshot of a scheduler backend
type SchedulerStatus struct {
	Backend        string        `json:"backend"`
	Running        bool          `json:"running"`
	PoolSize       int           `json:"pool_size"`
	ActiveWorkers  int           `json:"active_workers"`
	QueueDepth     int           `json:"queue_depth"`
	ScheduledTasks int           `json:"scheduled_tasks"`
	JobsExecuted   int64         `json:"jobs_executed"`
	JobsFailed     int64         `json:"jobs_failed"`
	RunningTasks   []RunningTask `json:"running_tasks,omitempty"`
	Host           HostStats     `json:"host"`
	CollectedAt    time.Time     `json:"collected_at"`
}

// RunningTask identifies an attempt in progress
type RunningTask struct {
	TaskID    string    `json:"task_id"`
	Name      string    `json:"name"`
	Kind      TaskKind  `json:"kind"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
}

// HostStats represents resource usage of the host running the scheduler
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}
