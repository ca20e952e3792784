package cache

import (
	"fmt"
)

// Well-known execution context entries.
const (
	BuildIDField = "tfs_build_id"
	TaskIDField  = "tfs_task_id"
	StageField   = "StageName"
)

// ContextKey addresses one entry of a chain or job execution context.
func ContextKey(scope, field string) string {
	return fmt.Sprintf("ctx:%s:%s", scope, field)
}

func BuildIDKey(scope string) string {
	return ContextKey(scope, BuildIDField)
}

func TaskIDKey(scope string) string {
	return ContextKey(scope, TaskIDField)
}

func StageKey(scope string) string {
	return ContextKey(scope, StageField)
}

// BuildLockKey serializes facade construction for one remote build.
func BuildLockKey(buildID int) string {
	return fmt.Sprintf("lock:build:%d", buildID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// ChainLockKey serializes remote build creation for one chain run.
func ChainLockKey(chainKey string) string {
	return fmt.Sprintf("lock:chain:%s", chainKey)
}
