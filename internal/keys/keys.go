package keys

// Package keys centralizes Redis key construction for the task archive and
// event forwarding. It is kept in internal to avoid leaking key formats to
// the public API.

// All archive keys share the {archive} hash tag so multi-key pipelines stay
// on one cluster slot.
const archivePrefix = "webrun:{archive}:"

// Record returns the string key holding one archived task as JSON.
func Record(id string) string { return archivePrefix + "record:" + id }

// Index returns the per-status ZSET that orders archived task ids by
// completion time (ms).
func Index(status string) string { return archivePrefix + "index:" + status }

// Archive holds precomputed index keys for every terminal status.
type Archive struct {
	Completed string
	Failed    string
	Cancelled string
}

// ForArchive returns the precomputed index keys.
func ForArchive() Archive {
	return Archive{
		Completed: Index("completed"),
		Failed:    Index("failed"),
		Cancelled: Index("cancelled"),
	}
}

// Events returns the pub/sub channel that carries events for one task.
// An empty task id selects the global channel.
func Events(taskID string) string {
	if taskID == "" {
		return "webrun:events:global"
	}
	return "webrun:events:task:" + taskID
}
