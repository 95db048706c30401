package export

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/exportworks/excel-export/internal/apperr"
	"github.com/exportworks/excel-export/internal/constant"
	"github.com/exportworks/excel-export/internal/xlsx"
)

// RowSource is one running report query. Rows arrive on the channel in
// result-set order; the channel closes after the last row and Err reports
// whether the stream ended cleanly.
type RowSource interface {
	Rows() <-chan []any
	Err() error
	Pause()
	Resume()
	Cancel()
}

// Streamer starts report queries.
type Streamer interface {
	Stream(ctx context.Context, rowCount int) (RowSource, error)
}

// StreamerFunc adapts a function to the Streamer interface.
type StreamerFunc func(ctx context.Context, rowCount int) (RowSource, error)

// Stream implements Streamer.
func (f StreamerFunc) Stream(ctx context.Context, rowCount int) (RowSource, error) {
	return f(ctx, rowCount)
}

// Sink is the client-facing byte stream of one export. gin.ResponseWriter
// satisfies it. Written reports whether any byte has been committed to the
// wire; once it returns true the controller never emits a structured error.
type Sink interface {
	io.Writer
	Header() http.Header
	WriteHeader(statusCode int)
	Flush()
	Written() bool
}

// Request describes one export.
type Request struct {
	// RowCount is the validated number of data rows to stream.
	RowCount int

	// FilenamePrefix names the download file; sanitized, default "report".
	FilenamePrefix string

	// OnFinish, when set, receives the terminal Result. It is invoked exactly
	// once per export, from whichever terminal path wins, before any abortive
	// close.
	OnFinish func(Result)
}

// Result is the terminal outcome of one export.
type Result struct {
	// Rows is the number of data rows committed to the encoder.
	Rows int64

	// Bytes is the number of workbook bytes handed to the response stream.
	Bytes int64

	// Duration covers query start through terminal handling.
	Duration time.Duration

	// Peak is the peak memory observed across the process during the export.
	Peak MemorySample

	// Err is nil on success. A non-nil Err with Aborted false was answered
	// with a JSON error body; with Aborted true the transfer was torn down.
	Err *apperr.Error

	// Aborted reports an abortive termination: either the client went away or
	// the connection was reset after bytes were already on the wire.
	Aborted bool
}

// Controller runs exports against a row source. One Controller serves many
// concurrent exports; per-export state lives in Run.
type Controller struct {
	source         Streamer
	sampler        *MemorySampler
	includeStack   bool
	highWaterMark  int
	sampleInterval int64
}

// NewController builds a Controller. includeStack forwards stack traces into
// pre-flush error bodies and belongs to development environments only.
func NewController(source Streamer, includeStack bool) *Controller {
	return &Controller{
		source:         source,
		sampler:        &MemorySampler{},
		includeStack:   includeStack,
		highWaterMark:  constant.FlushHighWaterMark,
		sampleInterval: constant.MemorySampleInterval,
	}
}

// Sampler exposes the controller's memory sampler for observability readers.
func (ctl *Controller) Sampler() *MemorySampler { return ctl.sampler }

// Run streams one export onto sink. It sets the download headers, starts the
// query, and pumps rows through the workbook encoder under byte-level
// backpressure until the source is drained.
//
// Exactly one terminal path executes, guarded by a compare-and-set flag:
// success finalize, early failure (JSON error body, headers not yet flushed),
// late failure (abortive close via http.ErrAbortHandler once any byte
// reached the client), or client disconnect (silent teardown). Every
// terminal path cancels the source.
func (ctl *Controller) Run(ctx context.Context, sink Sink, req Request) {
	start := time.Now()
	var (
		guard atomic.Bool
		rows  int64
	)
	cw := &countingWriter{w: sink}

	result := func(err *apperr.Error, aborted bool) Result {
		return Result{
			Rows:     rows,
			Bytes:    cw.total,
			Duration: time.Since(start),
			Peak:     ctl.sampler.Peak(),
			Err:      err,
			Aborted:  aborted,
		}
	}
	finish := func(r Result) {
		if req.OnFinish != nil {
			req.OnFinish(r)
		}
	}

	// fail is the shared terminal failure handler; the caller must have won
	// the guard. Before the first flushed byte it answers with a JSON error;
	// afterwards it tears the connection down so the client cannot mistake a
	// truncated archive for a complete one.
	fail := func(e *apperr.Error) {
		ctl.sampler.Sample()
		if sink.Written() {
			log.Errorf("export: aborting stream after %d rows: %v", rows, e)
			finish(result(e, true))
			panic(http.ErrAbortHandler)
		}
		log.Errorf("export: failed before response flush: %v", e)
		writeError(sink, e, ctl.includeStack)
		finish(result(e, false))
	}

	header := sink.Header()
	header.Set("Content-Type", constant.XLSXContentType)
	header.Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", Filename(req.FilenamePrefix, start)))

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	src, err := ctl.source.Stream(streamCtx, req.RowCount)
	if err != nil {
		if guard.CompareAndSwap(false, true) {
			fail(apperr.Wrap(err, apperr.CodeDatabase, "failed to start report query"))
		}
		return
	}
	defer src.Cancel()

	encoder, err := xlsx.NewStreamWriter(cw, constant.WorksheetName, Columns())
	if err != nil {
		if guard.CompareAndSwap(false, true) {
			fail(apperr.Wrap(err, apperr.CodeExport, "failed to open workbook stream"))
		}
		return
	}

	for streaming := true; streaming; {
		select {
		case <-ctx.Done():
			// client went away; nothing left to answer
			if guard.CompareAndSwap(false, true) {
				src.Cancel()
				ctl.sampler.Sample()
				log.Warnf("export: client disconnected after %d rows", rows)
				finish(result(apperr.Wrap(ctx.Err(), apperr.CodeExport, "client disconnected"), true))
			}
			return
		case row, ok := <-src.Rows():
			if !ok {
				streaming = false
				break
			}
			if err := encoder.WriteRow(row); err != nil {
				if guard.CompareAndSwap(false, true) {
					src.Cancel()
					fail(apperr.Wrap(err, apperr.CodeExport, "failed to write report row"))
				}
				return
			}
			rows++
			if cw.sinceFlush >= ctl.highWaterMark {
				// pause is edge-triggered: one resume per pause, armed after
				// the client socket drained the buffered workbook bytes
				src.Pause()
				sink.Flush()
				cw.sinceFlush = 0
				src.Resume()
			}
			if rows%ctl.sampleInterval == 0 {
				ctl.sampler.Sample()
			}
		}
	}

	if err := src.Err(); err != nil {
		if guard.CompareAndSwap(false, true) {
			fail(apperr.Wrap(err, apperr.CodeDatabase, "report stream failed"))
		}
		return
	}
	if err := encoder.Close(); err != nil {
		if guard.CompareAndSwap(false, true) {
			fail(apperr.Wrap(err, apperr.CodeExport, "failed to finalize workbook"))
		}
		return
	}

	if guard.CompareAndSwap(false, true) {
		sink.Flush()
		ctl.sampler.Sample()
		finish(result(nil, false))
	}
}

// writeError emits the JSON error envelope in place of the download. Best
// effort: if the socket is already gone the write failure is logged and
// swallowed rather than re-entering terminal handling.
func writeError(sink Sink, e *apperr.Error, includeStack bool) {
	header := sink.Header()
	header.Del("Content-Disposition")
	header.Set("Content-Type", "application/json; charset=utf-8")
	sink.WriteHeader(e.Code.HTTPStatus())
	if _, err := sink.Write(apperr.Body(e, includeStack)); err != nil {
		log.Warnf("export: failed to write error response: %v", err)
	}
}

// countingWriter tracks total bytes and bytes since the last drain on the
// way into the response stream.
type countingWriter struct {
	w          io.Writer
	total      int64
	sinceFlush int
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.total += int64(n)
	cw.sinceFlush += n
	return n, err
}
