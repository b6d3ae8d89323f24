package model

import "iter"

const (
	StatsResultsTotal     = "/results/total"
	StatsResultsOK        = "/results/ok"
	StatsConnectRetries   = "/retries/connect"
	StatsWriteRetries     = "/retries/write"
	StatsCeilingReduced   = "/ceiling/reduced"
	StatsPeakActive       = "/ceiling/peak"
	StatsErrorClassPrefix = "/errors/"
)

// Stats collects probe engine counters
type Stats interface {
	IncResult(class ErrorClass)
	IncConnectRetry()
	IncWriteRetry()
	IncCeilingReduced()
	ObservePeakActive(n int)
	Stats() iter.Seq2[string, string]
}
