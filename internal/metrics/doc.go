// Package metrics aggregates fleet-wide results of a load run.
//
// A single [Aggregator] is shared by every simulated session. Sessions
// report connection opens, push messages, connection failures and the
// outcome of every save-answers write:
//
//	agg := metrics.NewAggregator(metrics.Thresholds{})
//	agg.Start()
//
//	if agg.BeginWrite() {
//		// issue the request ...
//		agg.RecordWriteSuccess(userID, postCount, time.Since(start))
//	}
//
// Every attempt accepted by [Aggregator.BeginWrite] settles exactly once,
// through either [Aggregator.RecordWriteSuccess] or
// [Aggregator.RecordWriteError].
//
// # Statistics
//
// [Aggregator.Snapshot] returns deep copies and may be called while sessions
// keep recording. [Snapshot.Stats] derives the final report figures:
// success rate, throughput and nearest-rank percentiles computed with
// [Percentile] (index floor(len*p), no interpolation). An HDR histogram
// backs the approximate P95/P99 shown in live progress output.
//
// # Sealing
//
// [Aggregator.Seal] freezes the report once the fleet has shut down. Writes
// still in flight at that point are counted as abandoned and their late
// completions are ignored.
package metrics
