package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/exportworks/excel-export/internal/config"
)

// fakeRows replays a fixed result set through the pgx.Rows interface,
// optionally failing after a number of rows.
type fakeRows struct {
	data     [][]any
	pos      int
	failAt   int // fail when this many rows have been read; 0 disables
	err      error
	finalErr error
	closed   bool
	ctx      context.Context
}

func (r *fakeRows) Next() bool {
	if r.ctx != nil && r.ctx.Err() != nil {
		r.finalErr = r.ctx.Err()
		return false
	}
	if r.failAt > 0 && r.pos >= r.failAt {
		r.finalErr = r.err
		return false
	}
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	return r.data[r.pos-1], nil
}

func (r *fakeRows) Err() error                                   { return r.finalErr }
func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Scan(dest ...any) error                       { return errors.New("not implemented") }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func reportData(n int) [][]any {
	data := make([][]any, n)
	for i := range data {
		data[i] = []any{int32(i), int64(i) * 1000, "1.25", 0.5, true, "guid", time.Unix(0, 0).UTC(), "v", "t", "{}"}
	}
	return data
}

func streamerWithRows(t *testing.T, rows *fakeRows) *Streamer {
	t.Helper()
	m := newTestManager(t, func(ctx context.Context, cfg config.DatabaseConfig) (Pool, error) {
		return &fakePool{queryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			rows.ctx = ctx
			return rows, nil
		}}, nil
	})
	return NewStreamer(m, time.Second)
}

func TestStreamDeliversRowsInOrder(t *testing.T) {
	rows := &fakeRows{data: reportData(10)}
	s := streamerWithRows(t, rows)

	st, err := s.Stream(context.Background(), 10)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer st.Cancel()

	var got int
	for row := range st.Rows() {
		if want := int32(got); row[0] != want {
			t.Fatalf("row %d out of order: first column = %v", got, row[0])
		}
		got++
	}
	if got != 10 {
		t.Errorf("rows delivered = %d, want 10", got)
	}
	if err := st.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
	if !rows.closed {
		t.Error("pgx rows not closed after drain")
	}
}

func TestStreamRejectedStart(t *testing.T) {
	startErr := &pgconn.PgError{Code: "42883", Message: "function sp_generate_data does not exist"}
	// Next returns false immediately and Err reports the startup failure
	rows := &fakeRows{finalErr: startErr}

	s := streamerWithRows(t, rows)
	if _, err := s.Stream(context.Background(), 5); err == nil {
		t.Fatal("Stream succeeded, want rejected start")
	} else if !errors.Is(err, startErr) {
		t.Fatalf("Stream err = %v, want wrapped %v", err, startErr)
	}
	if !rows.closed {
		t.Error("pgx rows not closed after rejected start")
	}
}

func TestStreamStartupBoundedByQueryTimeout(t *testing.T) {
	// a hung server never returns from Query; startup must give up at the
	// configured timeout instead of stalling the export forever
	m := newTestManager(t, func(ctx context.Context, cfg config.DatabaseConfig) (Pool, error) {
		return &fakePool{queryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}, nil
	})
	s := NewStreamer(m, 50*time.Millisecond)

	type outcome struct {
		st  *RowStream
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		st, err := s.Stream(context.Background(), 10)
		done <- outcome{st, err}
	}()

	select {
	case got := <-done:
		if got.err == nil {
			got.st.Cancel()
			t.Fatal("Stream succeeded against a hung server")
		}
		if !errors.Is(got.err, context.Canceled) {
			t.Errorf("Stream err = %v, want wrapped context cancellation", got.err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stream still blocked long past the query timeout")
	}
}

func TestStreamEmptyResultSet(t *testing.T) {
	rows := &fakeRows{}
	s := streamerWithRows(t, rows)

	st, err := s.Stream(context.Background(), 1)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if _, ok := <-st.Rows(); ok {
		t.Error("row delivered from an empty result set")
	}
	if err := st.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestStreamMidStreamError(t *testing.T) {
	wantErr := errors.New("connection reset mid-stream")
	rows := &fakeRows{data: reportData(200), failAt: 50, err: wantErr}
	s := streamerWithRows(t, rows)

	st, err := s.Stream(context.Background(), 200)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer st.Cancel()

	var got int
	for range st.Rows() {
		got++
	}
	if got != 50 {
		t.Errorf("rows before failure = %d, want 50", got)
	}
	if err := st.Err(); !errors.Is(err, wantErr) {
		t.Errorf("Err() = %v, want %v", err, wantErr)
	}
}

func TestStreamCancelStopsDelivery(t *testing.T) {
	rows := &fakeRows{data: reportData(1000)}
	s := streamerWithRows(t, rows)

	st, err := s.Stream(context.Background(), 1000)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	// consume a few rows, then cancel twice; the second must be a no-op
	for i := 0; i < 5; i++ {
		<-st.Rows()
	}
	st.Cancel()
	st.Cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-st.Rows():
			if !ok {
				if err := st.Err(); err != nil {
					t.Errorf("Err() after cancel = %v, want nil", err)
				}
				return
			}
			// rows already buffered in the channel may still drain; fresh
			// fetches must stop
		case <-deadline:
			t.Fatal("stream did not terminate after cancel")
		}
	}
}

func TestStreamPauseResume(t *testing.T) {
	rows := &fakeRows{data: reportData(100)}
	s := streamerWithRows(t, rows)

	st, err := s.Stream(context.Background(), 100)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer st.Cancel()

	var got int
	for row := range st.Rows() {
		if want := int32(got); row[0] != want {
			t.Fatalf("row %d out of order after pause/resume: %v", got, row[0])
		}
		got++
		if got%10 == 0 {
			st.Pause()
			st.Resume()
		}
	}
	if got != 100 {
		t.Errorf("rows delivered = %d, want 100", got)
	}
	if err := st.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}
