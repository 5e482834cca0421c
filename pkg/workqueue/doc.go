// Package workqueue runs built instructions on worker goroutines.
//
// An AsyncWorkQueue has two lanes: HostTasks for host and synchronous
// device work, and DeviceKernelLaunch for asynchronous device kernels.
// Both lanes report to one EventsWaiter, which wakes when every queued
// task has finished or one of them has failed.
package workqueue
