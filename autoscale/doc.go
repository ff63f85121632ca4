// Package autoscale watches queue depth and asks for more workers.
//
// The Monitor does not start workers itself. When the task stream backs up
// past a threshold it calls a ScaleFunc, which the deployment supplies (a
// Kubernetes job, a process spawn, or just a log line).
package autoscale
