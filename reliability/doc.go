// Package reliability recovers abandoned work and administers the dead
// letter queue.
//
// A consumer that crashes mid-task leaves its entry in the group's pending
// list forever. ReclaimStale takes over entries that have been idle longer
// than a threshold and sends them through the same retry routing a consumer
// failure would, recording a timeout failure that names the consumer that
// abandoned them. StartReclaimer runs that sweep periodically.
//
// The DLQ operations list, retry and purge dead-lettered tasks. SchedulePurge
// runs PurgeDLQ on a cron schedule.
package reliability
