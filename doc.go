// Package sop provides the shared types, error taxonomy, logging, and configuration used
// across the online index builder: UUIDs, the distributed L2Cache/lock abstraction, the
// retry/backoff helpers the Throttled Runner builds on, and the Configuration surface
// recognized by an index build invocation. Concrete build components (range set, session
// lease, progress tracker, build strategies, orchestrator) live in subpackages that depend
// on this one, not the other way around.
package sop
