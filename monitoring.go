package relkv

import "sync/atomic"

// EngineStats are cumulative operation counters of one engine, safe to
// read concurrently.
type EngineStats struct {
	Puts             int64
	Deletes          int64
	Refreshes        int64
	MirrorRowsPut    int64
	MirrorRowsPruned int64
	LockConflicts    int64
	TaskRuns         int64
}

type engineCounters struct {
	puts             atomic.Int64
	deletes          atomic.Int64
	refreshes        atomic.Int64
	mirrorRowsPut    atomic.Int64
	mirrorRowsPruned atomic.Int64
	lockConflicts    atomic.Int64
	taskRuns         atomic.Int64
}

// Stats snapshots the engine's counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Puts:             e.counters.puts.Load(),
		Deletes:          e.counters.deletes.Load(),
		Refreshes:        e.counters.refreshes.Load(),
		MirrorRowsPut:    e.counters.mirrorRowsPut.Load(),
		MirrorRowsPruned: e.counters.mirrorRowsPruned.Load(),
		LockConflicts:    e.counters.lockConflicts.Load(),
		TaskRuns:         e.counters.taskRuns.Load(),
	}
}
