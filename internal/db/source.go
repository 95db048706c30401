package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/exportworks/excel-export/internal/constant"
)

// reportQuery invokes the set-returning report generator. Column order is the
// worksheet order; the stream preserves it. Decimal, guid, and json columns
// are cast to text so their exact server-side rendering reaches the
// spreadsheet unchanged.
const reportQuery = `SELECT int_column, big_int_column, decimal_column::text, float_column, bit_column, guid_column::text, date_column, varchar_column, text_column, json_column::text FROM sp_generate_data($1)`

// Streamer runs report queries against the managed pool and exposes each
// result set as a pausable row stream.
type Streamer struct {
	manager      *Manager
	queryTimeout time.Duration
}

// NewStreamer builds a Streamer on top of the pool manager. queryTimeout
// bounds query startup, from pool acquisition to the first row; row delivery
// afterwards is paced by the consumer, not a timer.
func NewStreamer(manager *Manager, queryTimeout time.Duration) *Streamer {
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &Streamer{manager: manager, queryTimeout: queryTimeout}
}

// Stream starts the report query for rowCount rows. Startup failures (pool
// unavailable, bad statement, permissions, connection lost before the first
// row, startup slower than the query timeout) are returned here; failures
// after the first row surface through the stream's Err. The returned stream
// is bound to ctx: cancelling ctx, or calling Cancel, stops row production
// server-side.
func (s *Streamer) Stream(ctx context.Context, rowCount int) (*RowStream, error) {
	queryCtx, cancel := context.WithCancel(ctx)

	// one deadline covers acquisition, query dispatch, and the first-row
	// peek; the timer is disarmed once rows are flowing so delivery is paced
	// by the consumer, not a clock
	startupTimer := time.AfterFunc(s.queryTimeout, cancel)

	startupErr := func(err error) error {
		if queryCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("db: report query startup exceeded %s: %w", s.queryTimeout, err)
		}
		return fmt.Errorf("db: start report query: %w", err)
	}

	pool, err := s.manager.Acquire(queryCtx)
	if err != nil {
		startupTimer.Stop()
		cancel()
		return nil, err
	}

	rows, err := pool.Query(queryCtx, reportQuery, rowCount)
	if err != nil {
		startupTimer.Stop()
		cancel()
		s.manager.HandleError(err)
		return nil, startupErr(err)
	}

	// pgx defers statement errors to the first fetch; peek one row so a bad
	// generator rejects the start instead of failing mid-stream
	hasFirst := rows.Next()
	startupTimer.Stop()
	if !hasFirst {
		err := rows.Err()
		rows.Close()
		cancel()
		if err != nil {
			s.manager.HandleError(err)
			return nil, startupErr(err)
		}
	}

	st := &RowStream{
		out:     make(chan []any, constant.RowChannelDepth),
		ctx:     queryCtx,
		cancel:  cancel,
		resume:  make(chan struct{}, 1),
		manager: s.manager,
	}
	if hasFirst {
		go st.fetch(rows)
	} else {
		close(st.out)
	}
	return st, nil
}

// RowStream delivers one result set row by row. Rows arrive on Rows in
// result-set order; the channel closes after the last row, and Err reports
// whether the stream ended cleanly. Pause, Resume, and Cancel may be called
// from a goroutine other than the consumer's.
type RowStream struct {
	out     chan []any
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	manager *Manager

	mu     sync.Mutex
	paused bool
	resume chan struct{}

	err error
}

// Rows is the delivery channel. It is closed exactly once, after the final
// row or on failure; consult Err afterwards.
func (st *RowStream) Rows() <-chan []any { return st.out }

// Err reports the mid-stream failure that ended the stream, if any. Valid
// only after Rows is closed. Cancellation is not an error.
func (st *RowStream) Err() error { return st.err }

// Pause stops row delivery before the next row. Idempotent.
func (st *RowStream) Pause() {
	st.mu.Lock()
	st.paused = true
	st.mu.Unlock()
}

// Resume lifts a pause. Each pause is armed with exactly one resume; calling
// Resume while running is a no-op.
func (st *RowStream) Resume() {
	st.mu.Lock()
	wasPaused := st.paused
	st.paused = false
	st.mu.Unlock()
	if !wasPaused {
		return
	}
	select {
	case st.resume <- struct{}{}:
	default:
	}
}

// Cancel stops row production and releases the connection back to the pool.
// Idempotent; no row is delivered after Cancel returns and the pending
// fetch, if any, is dropped by the consumer-side guard.
func (st *RowStream) Cancel() {
	st.once.Do(st.cancel)
}

// gate blocks while the stream is paused. Cancellation unblocks it.
func (st *RowStream) gate() {
	for {
		st.mu.Lock()
		paused := st.paused
		st.mu.Unlock()
		if !paused {
			return
		}
		select {
		case <-st.resume:
		case <-st.ctx.Done():
			return
		}
	}
}

// fetch drains the pgx rows into the delivery channel. It owns rows and the
// channel: rows are closed on every exit path and the channel close is the
// stream's done signal. Called with the first row already positioned.
func (st *RowStream) fetch(rows pgx.Rows) {
	defer close(st.out)
	defer st.cancel()
	defer rows.Close()

	for {
		st.gate()
		if st.ctx.Err() != nil {
			return
		}
		values, err := rows.Values()
		if err != nil {
			st.fail(fmt.Errorf("db: read report row: %w", err))
			return
		}
		select {
		case st.out <- values:
		case <-st.ctx.Done():
			return
		}
		if !rows.Next() {
			break
		}
	}
	if err := rows.Err(); err != nil && st.ctx.Err() == nil {
		st.fail(fmt.Errorf("db: report stream: %w", err))
	}
}

// fail records the terminal error and reports it to the pool manager so a
// dead transport triggers a reset. Runs before the channel close, so
// consumers observing the close see the error.
func (st *RowStream) fail(err error) {
	st.err = err
	st.manager.HandleError(err)
}
