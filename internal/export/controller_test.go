package export

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/xuri/excelize/v2"

	"github.com/exportworks/excel-export/internal/apperr"
	"github.com/exportworks/excel-export/internal/constant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeSource feeds the controller from a channel instead of a database.
type fakeSource struct {
	rows    chan []any
	err     error
	cancels atomic.Int32
	pauses  atomic.Int32
	resumes atomic.Int32
}

func (f *fakeSource) Rows() <-chan []any { return f.rows }
func (f *fakeSource) Err() error         { return f.err }
func (f *fakeSource) Pause()             { f.pauses.Add(1) }
func (f *fakeSource) Resume()            { f.resumes.Add(1) }
func (f *fakeSource) Cancel()            { f.cancels.Add(1) }

func sourceOf(rows ...[]any) *fakeSource {
	src := &fakeSource{rows: make(chan []any, len(rows)+1)}
	for _, row := range rows {
		src.rows <- row
	}
	close(src.rows)
	return src
}

func staticStreamer(src *fakeSource, startErr error) Streamer {
	return StreamerFunc(func(ctx context.Context, rowCount int) (RowSource, error) {
		if startErr != nil {
			return nil, startErr
		}
		return src, nil
	})
}

func testRow(i int) []any {
	return []any{i, int64(i) * 10, "1.25", float64(i) / 2, i%2 == 0, "d0f4…", "2025-01-01", "v" + strconv.Itoa(i), "text", `{"k":1}`}
}

func runExport(t *testing.T, streamer Streamer, req Request) (*httptest.ResponseRecorder, []Result) {
	t.Helper()
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodGet, "/export/report", nil)

	var results []Result
	req.OnFinish = func(r Result) { results = append(results, r) }

	NewController(streamer, false).Run(c.Request.Context(), c.Writer, req)
	return recorder, results
}

var filenamePattern = regexp.MustCompile(`^attachment; filename="report-\d{4}-\d{2}-\d{2}-\d{6}\.xlsx"$`)

func TestRunHappyPath(t *testing.T) {
	src := sourceOf(testRow(0), testRow(1), testRow(2))
	recorder, results := runExport(t, staticStreamer(src, nil), Request{RowCount: 3})

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	if got := recorder.Header().Get("Content-Type"); got != constant.XLSXContentType {
		t.Errorf("Content-Type = %q", got)
	}
	if got := recorder.Header().Get("Content-Disposition"); !filenamePattern.MatchString(got) {
		t.Errorf("Content-Disposition = %q", got)
	}

	f, err := excelize.OpenReader(bytes.NewReader(recorder.Body.Bytes()))
	if err != nil {
		t.Fatalf("open generated workbook: %v", err)
	}
	defer func() { _ = f.Close() }()
	rows, err := f.GetRows(constant.WorksheetName)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("worksheet rows = %d, want header plus 3", len(rows))
	}
	if rows[0][0] != "IntColumn" || rows[0][9] != "JsonColumn" {
		t.Errorf("header row = %v", rows[0])
	}
	if rows[1][0] != "0" || rows[2][0] != "1" || rows[3][0] != "2" {
		t.Errorf("data rows out of order: %v", rows[1:])
	}

	if len(results) != 1 {
		t.Fatalf("OnFinish ran %d times, want 1", len(results))
	}
	res := results[0]
	if res.Err != nil || res.Aborted {
		t.Fatalf("result = %+v, want success", res)
	}
	if res.Rows != 3 {
		t.Errorf("result rows = %d, want 3", res.Rows)
	}
	if res.Bytes != int64(recorder.Body.Len()) {
		t.Errorf("result bytes = %d, body = %d", res.Bytes, recorder.Body.Len())
	}
	if src.cancels.Load() == 0 {
		t.Error("source not cancelled on completion")
	}
}

func TestRunStartupFailureAnswersJSON(t *testing.T) {
	startErr := errors.New("pool is gone")
	recorder, results := runExport(t, staticStreamer(nil, startErr), Request{RowCount: 3})

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", recorder.Code)
	}
	body := recorder.Body.Bytes()
	if got := gjson.GetBytes(body, "error.code").String(); got != string(apperr.CodeDatabase) {
		t.Errorf("error.code = %q, want DATABASE_ERROR", got)
	}
	if gjson.GetBytes(body, "error.message").String() == "" {
		t.Error("error.message is empty")
	}
	if got := recorder.Header().Get("Content-Disposition"); got != "" {
		t.Errorf("Content-Disposition = %q, want removed", got)
	}
	if len(results) != 1 || results[0].Err == nil || results[0].Aborted {
		t.Fatalf("results = %+v, want one early failure", results)
	}
}

func TestRunMidStreamErrorAbortsConnection(t *testing.T) {
	src := &fakeSource{rows: make(chan []any, 64)}
	for i := 0; i < 50; i++ {
		src.rows <- testRow(i)
	}
	src.err = errors.New("connection reset by peer")
	close(src.rows)

	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodGet, "/export/report", nil)

	var results []Result
	req := Request{RowCount: 200, OnFinish: func(r Result) { results = append(results, r) }}

	aborted := func() (aborted bool) {
		defer func() {
			if r := recover(); r != nil {
				err, ok := r.(error)
				if !ok || !errors.Is(err, http.ErrAbortHandler) {
					panic(r)
				}
				aborted = true
			}
		}()
		NewController(staticStreamer(src, nil), false).Run(c.Request.Context(), c.Writer, req)
		return false
	}()

	if !aborted {
		t.Fatal("mid-stream failure did not abort the connection")
	}
	if len(results) != 1 {
		t.Fatalf("OnFinish ran %d times, want 1", len(results))
	}
	res := results[0]
	if !res.Aborted || res.Err == nil {
		t.Fatalf("result = %+v, want aborted failure", res)
	}
	if res.Rows != 50 {
		t.Errorf("rows before failure = %d, want 50", res.Rows)
	}
	if src.cancels.Load() == 0 {
		t.Error("source not cancelled on mid-stream failure")
	}
}

func TestRunClientDisconnectCancelsSource(t *testing.T) {
	src := &fakeSource{rows: make(chan []any)} // nothing will ever arrive

	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodGet, "/export/report", nil)

	ctx, cancel := context.WithCancel(c.Request.Context())
	cancel() // client is already gone

	var results []Result
	NewController(staticStreamer(src, nil), false).Run(ctx, c.Writer, Request{
		RowCount: 10,
		OnFinish: func(r Result) { results = append(results, r) },
	})

	if len(results) != 1 {
		t.Fatalf("OnFinish ran %d times, want 1", len(results))
	}
	if !results[0].Aborted {
		t.Fatalf("result = %+v, want aborted", results[0])
	}
	if src.cancels.Load() == 0 {
		t.Error("source not cancelled on disconnect")
	}
}

func TestRunBackpressurePausesSource(t *testing.T) {
	rows := make([][]any, 64)
	for i := range rows {
		rows[i] = testRow(i)
	}
	src := sourceOf(rows...)

	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodGet, "/export/report", nil)

	ctl := NewController(staticStreamer(src, nil), false)
	ctl.highWaterMark = 1 // force a drain after every row

	ctl.Run(c.Request.Context(), c.Writer, Request{RowCount: len(rows)})

	if src.pauses.Load() == 0 {
		t.Fatal("source never paused under backpressure")
	}
	if got, want := src.resumes.Load(), src.pauses.Load(); got != want {
		t.Errorf("resumes = %d, pauses = %d; want one resume per pause", got, want)
	}
}
