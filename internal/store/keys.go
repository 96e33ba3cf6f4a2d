package store

// Persisted key layout. Any process must be able to resolve any other
// process's keys from ids alone, so these never change between releases.
const (
	Namespace = "jobs"

	jobPrefix        = Namespace + ":job:"
	queuePrefix      = Namespace + ":queue:"
	executionPrefix  = Namespace + ":execution:"
	executionsPrefix = Namespace + ":executions:"
	startedPrefix    = Namespace + ":wip:"

	// QueuesKey is the set of every queue name ever enqueued to.
	QueuesKey = Namespace + ":queues"
)

// JobKey is the hash holding a job record.
func JobKey(jobID string) string {
	return jobPrefix + jobID
}

// QueueKey is the list of job ids waiting in a queue.
func QueueKey(name string) string {
	return queuePrefix + name
}

// ExecutionKey is the hash of one execution, addressed by its composite key.
func ExecutionKey(compositeKey string) string {
	return executionPrefix + compositeKey
}

// ExecutionRegistryKey is the sorted set of live executions of a job.
func ExecutionRegistryKey(jobID string) string {
	return executionsPrefix + jobID
}

// StartedRegistryKey is the sorted set of running executions of a queue.
func StartedRegistryKey(queue string) string {
	return startedPrefix + queue
}
