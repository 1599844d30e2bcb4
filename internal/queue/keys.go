package queue

// Store key layout. ids live in queue:{type} (list) and exactly one
// queue:status:{status} set; the record lives in job:{id}.

const (
	queuePrefix = "queue:"
	jobPrefix   = "job:"
	statsKey    = queuePrefix + "stats"
)

// Fields of the stats hash.
const (
	fieldTotalEnqueued       = "total_enqueued"
	fieldTotalStarted        = "total_started"
	fieldCompletedCount      = "completed_count"
	fieldFailedCount         = "failed_count"
	fieldTotalProcessingTime = "total_processing_time"
	fieldLastUpdated         = "last_updated"
)

func queueKey(jobType string) string { return queuePrefix + jobType }

func statusKey(s Status) string { return queuePrefix + "status:" + string(s) }

func jobKey(id string) string { return jobPrefix + id }
