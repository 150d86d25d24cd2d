// Package maintctx models the process-wide state a maintenance pass
// threads through its pipeline: accumulated errors, pool-size stats,
// and a progress sink. pkg/lock/metrics.go tracks a similar
// cross-cutting concern (lock acquisition/duration) as package-level
// OTel instruments; here that same pattern is promoted into an
// explicit value type instead of package globals, so every component
// in the pipeline shares one mutable handle rather than reaching for
// globals.
package maintctx

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const otelPackageName = "github.com/kalbasit/poolrefcnt/pkg/maintctx"

// ErrorKind enumerates the non-fatal error categories a pass can
// accumulate.
type ErrorKind string

const (
	LockUnavailable   ErrorKind = "lock_unavailable"
	CorruptCountFile  ErrorKind = "corrupt_count_file"
	RenameFailed      ErrorKind = "rename_failed"
	UnlinkFailed      ErrorKind = "unlink_failed"
	ChmodFailed       ErrorKind = "chmod_failed"
	WriteFailed       ErrorKind = "write_failed"
	MissingPoolObject ErrorKind = "missing_pool_object"
	UnknownPoolObject ErrorKind = "unknown_pool_object"
	CountMismatch     ErrorKind = "count_mismatch"
	CountUnderflow    ErrorKind = "count_underflow"
	BadArgs           ErrorKind = "bad_args"
)

// Error records one accumulated failure: its kind, the scope it
// occurred in (a host name or a "class/shard" label), and the
// underlying cause.
type Error struct {
	Kind  ErrorKind
	Scope string
	Err   error
}

func (e Error) Error() string {
	return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Scope, e.Err)
}

func (e Error) Unwrap() error { return e.Err }

// Stats accumulates the pool-size accounting a StatsEmitter reports,
// keyed implicitly to whatever shard the caller is currently
// processing (callers create one Stats per shard and let
// statsemitter.Emit read it).
type Stats struct {
	FileCnt       int64
	DirCnt        int64
	BlkCnt        int64
	BlkCntRm      int64
	FileCntRm     int64
	FileCntRep    int64
	FileRepMax    int64
	FileLinkMax   int64
	FileLinkTotal int64
}

// ProgressFn is the progress sink: label-only calls mark a phase
// transition; (i, n) calls report within-phase progress. It mirrors
// the xferPids/__bpc_progress_state__/__bpc_progress_fileCnt__
// protocol without hard-wiring stdout, so tests can substitute a
// capturing sink.
type ProgressFn func(label string, i, n int)

// NoopProgress discards all progress events.
func NoopProgress(string, int, int) {}

// Context is the value threaded through one maintenance invocation.
// Its error accumulator is guarded by a mutex; the Stats map is a
// plain map with no locking of its own.
type Context struct {
	context.Context

	Progress ProgressFn

	// DryRun suppresses the pass's actual pool mutations (reclaim
	// chmod/truncate/unlink, and the final authoritative-file rename)
	// while every stat is still computed and reported as if they ran.
	DryRun bool

	// Stats accumulates one entry per "<class>/<shard>" label, filled in
	// by poolaggregator and poolcleaner for statsemitter to render.
	Stats map[string]Stats

	mu     sync.Mutex
	errors []Error

	//nolint:gochecknoglobals
	errorsTotal    metric.Int64Counter
	objectsTotal   metric.Int64Gauge
	reclaimedTotal metric.Int64Counter
}

//nolint:gochecknoglobals
var meter metric.Meter

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)
}

// New returns a fresh Context wrapping ctx, with progress discarded
// unless Progress is set by the caller afterward.
func New(ctx context.Context) *Context {
	counter, err := meter.Int64Counter(
		"pool_error_total",
		metric.WithDescription("Total number of accumulated non-fatal maintenance errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(err)
	}

	objectsGauge, err := meter.Int64Gauge(
		"pool_objects_total",
		metric.WithDescription("Live pool object count as of the most recent aggregation pass"),
		metric.WithUnit("{object}"),
	)
	if err != nil {
		panic(err)
	}

	reclaimedCounter, err := meter.Int64Counter(
		"pool_reclaimed_total",
		metric.WithDescription("Total number of pool objects reclaimed by PoolCleaner"),
		metric.WithUnit("{object}"),
	)
	if err != nil {
		panic(err)
	}

	return &Context{
		Context:        ctx,
		Progress:       NoopProgress,
		Stats:          make(map[string]Stats),
		errorsTotal:    counter,
		objectsTotal:   objectsGauge,
		reclaimedTotal: reclaimedCounter,
	}
}

// AddError records a non-fatal error of the given kind and scope. It
// never returns an error itself: accumulation is the whole point.
func (c *Context) AddError(kind ErrorKind, scope string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errors = append(c.errors, Error{Kind: kind, Scope: scope, Err: err})

	c.errorsTotal.Add(c.Context, 1, metric.WithAttributes(
		attrKind(kind),
	))
}

// Errors returns a snapshot of the accumulated errors.
func (c *Context) Errors() []Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Error, len(c.errors))
	copy(out, c.errors)

	return out
}

// ErrorCount returns the number of accumulated errors; the process
// exit code is 1 iff this is non-zero.
func (c *Context) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.errors)
}

// HasErrors reports whether any error has been accumulated.
func (c *Context) HasErrors() bool { return c.ErrorCount() > 0 }

// RecordObjectsTotal publishes the live pool object count observed by
// the current pass, overwriting whatever an earlier pass recorded.
func (c *Context) RecordObjectsTotal(n int64) {
	c.objectsTotal.Record(c.Context, n)
}

// AddReclaimed increments the reclaimed-object counter by n.
func (c *Context) AddReclaimed(n int64) {
	if n == 0 {
		return
	}

	c.reclaimedTotal.Add(c.Context, n)
}

func (c *Context) emitProgressState(label string) {
	c.Progress(label, 0, 0)
}

// EmitPhase reports a phase transition to the progress sink.
func (c *Context) EmitPhase(label string) { c.emitProgressState(label) }

// EmitFileProgress reports within-phase progress (i of n) to the
// progress sink.
func (c *Context) EmitFileProgress(label string, i, n int) { c.Progress(label, i, n) }
