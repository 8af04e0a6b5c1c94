// Package state provides circuit breaker state stores.
//
// A store mirrors breaker snapshots so that other processes can see a
// target's circuit state and a restarting process resumes where it
// left off. Memory is process-local; Redis shares state across
// replicas. Stores are best-effort collaborators: the breaker never
// fails a caller on a store error.
package state
