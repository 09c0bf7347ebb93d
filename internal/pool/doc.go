// Package pool is the controller side of the pipe transport. It spawns a
// fixed number of worker processes and multiplexes calls over their
// stdin/stdout.
//
// Ownership boundary:
// - shortest-queue dispatch across live workers
// - per-worker FIFO correlation of responses to calls
// - failing a dead worker's calls without touching the others
// - process spawning via Spawner; what the worker runs is package peer's concern
package pool
