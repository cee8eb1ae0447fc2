package kv

import "fmt"

// Coordination key layout. TTLs are owned by the writers.
//
//	dedup:{key}                     → job id            TTL 1h
//	progress:{job-id}               → JSON snapshot     TTL 2h
//	cron:lock:{task}                → instance id       TTL 1h
//	cron:executions:{task}          → list[JSON] 100    TTL 7d
//	errors:{queue}:count            → integer           TTL = alert window
//	worker:health:{name}            → epoch-ms          TTL 60s
//	worker:stats:{name}             → hash of counters
//	notification:sent:{event-id}    → marker            TTL 5m
//	loom:scaler:history:{queue}     → list[JSON] 100    TTL 24h
//	loom:{queue}:wait:{priority}    → list of job ids (broker-native)

// DedupKey indexes enqueue-side deduplication.
func DedupKey(key string) string { return "dedup:" + key }

// ProgressKey holds the last-known progress snapshot for a job.
func ProgressKey(jobID string) string { return "progress:" + jobID }

// CronLockKey is the distributed lease for a scheduled task.
func CronLockKey(task string) string { return "cron:lock:" + task }

// CronExecutionsKey is the bounded execution-history list for a task.
func CronExecutionsKey(task string) string { return "cron:executions:" + task }

// ErrorCountKey is the sliding-window failure counter for a queue.
func ErrorCountKey(queue string) string { return fmt.Sprintf("errors:%s:count", queue) }

// WorkerHealthKey holds the heartbeat timestamp for a worker.
func WorkerHealthKey(name string) string { return "worker:health:" + name }

// WorkerStatsKey is the hash of lifetime counters for a worker.
func WorkerStatsKey(name string) string { return "worker:stats:" + name }

// NotificationSentKey marks an event id as already delivered to chat.
func NotificationSentKey(eventID string) string { return "notification:sent:" + eventID }

// ScalerHistoryKey is the bounded scaling-decision list for a queue.
func ScalerHistoryKey(queue string) string { return "loom:scaler:history:" + queue }
