package redis

import "fmt"

// Key layout, all under the configured namespace:
//
//	queues                   set of known queue names
//	queue:<q>:wait           list of job IDs in FIFO order
//	queue:<q>:active         zset of job IDs scored by lease expiry
//	queue:<q>:delayed        zset of job IDs scored by run_at
//	queue:<q>:completed      zset of job IDs scored by finished_at
//	queue:<q>:failed         zset of job IDs scored by finished_at
//	queue:<q>:job:<id>       hash holding the job record
//
// Scores and timestamps are Unix milliseconds.

func (r *RedisBroker) queuesKey() string {
	return fmt.Sprintf("%squeues", r.namespace)
}

func (r *RedisBroker) queueKey(queue, suffix string) string {
	return fmt.Sprintf("%squeue:%s:%s", r.namespace, queue, suffix)
}

func (r *RedisBroker) waitKey(queue string) string      { return r.queueKey(queue, "wait") }
func (r *RedisBroker) activeKey(queue string) string    { return r.queueKey(queue, "active") }
func (r *RedisBroker) delayedKey(queue string) string   { return r.queueKey(queue, "delayed") }
func (r *RedisBroker) completedKey(queue string) string { return r.queueKey(queue, "completed") }
func (r *RedisBroker) failedKey(queue string) string    { return r.queueKey(queue, "failed") }

// jobPrefix is concatenated with an ID inside scripts
func (r *RedisBroker) jobPrefix(queue string) string {
	return r.queueKey(queue, "job:")
}

func (r *RedisBroker) jobKey(queue, id string) string {
	return r.jobPrefix(queue) + id
}
