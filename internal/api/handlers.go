package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"github.com/exportworks/excel-export/internal/apperr"
	"github.com/exportworks/excel-export/internal/constant"
	"github.com/exportworks/excel-export/internal/export"
	"github.com/exportworks/excel-export/internal/stats"
)

// ExportHandler serves the report endpoints.
type ExportHandler struct {
	controller   *export.Controller
	streamer     export.Streamer
	recorder     *stats.Recorder
	includeStack bool
}

// NewExportHandler builds the handler set. recorder may be nil to disable
// statistics.
func NewExportHandler(controller *export.Controller, streamer export.Streamer, recorder *stats.Recorder, includeStack bool) *ExportHandler {
	return &ExportHandler{
		controller:   controller,
		streamer:     streamer,
		recorder:     recorder,
		includeStack: includeStack,
	}
}

// parseRowCount validates the rowCount query parameter; failures are
// answered before any database work.
func parseRowCount(c *gin.Context) (int, *apperr.Error) {
	return export.ValidateRowCount(c.Query("rowCount"))
}

// StreamReport streams an XLSX export straight from the database onto the
// response, holding bounded memory regardless of row count.
func (h *ExportHandler) StreamReport(c *gin.Context) {
	rowCount, aerr := parseRowCount(c)
	if aerr != nil {
		apperr.WriteJSON(c, aerr, h.includeStack)
		return
	}

	h.controller.Run(c.Request.Context(), c.Writer, export.Request{
		RowCount:       rowCount,
		FilenamePrefix: c.Query("filename"),
		OnFinish:       h.finishRecorder("stream"),
	})
}

// BufferedReport builds the whole workbook before answering. It exists for
// comparison against the streaming path and shares its validation, filename,
// and error taxonomy; memory here grows with the row count.
func (h *ExportHandler) BufferedReport(c *gin.Context) {
	rowCount, aerr := parseRowCount(c)
	if aerr != nil {
		apperr.WriteJSON(c, aerr, h.includeStack)
		return
	}
	start := time.Now()
	finish := h.finishRecorder("buffered")

	fail := func(aerr *apperr.Error) {
		log.Errorf("export: buffered export failed: %v", aerr)
		apperr.WriteJSON(c, aerr, h.includeStack)
		finish(export.Result{Duration: time.Since(start), Err: aerr})
	}

	src, err := h.streamer.Stream(c.Request.Context(), rowCount)
	if err != nil {
		fail(apperr.Wrap(err, apperr.CodeDatabase, "failed to start report query"))
		return
	}
	defer src.Cancel()

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName("Sheet1", constant.WorksheetName); err != nil {
		fail(apperr.Wrap(err, apperr.CodeExport, "failed to prepare workbook"))
		return
	}
	sw, err := f.NewStreamWriter(constant.WorksheetName)
	if err != nil {
		fail(apperr.Wrap(err, apperr.CodeExport, "failed to prepare workbook"))
		return
	}

	columns := export.Columns()
	header := make([]any, len(columns))
	for i, col := range columns {
		header[i] = col.Header
	}
	if err := sw.SetRow("A1", header); err != nil {
		fail(apperr.Wrap(err, apperr.CodeExport, "failed to write header row"))
		return
	}

	var rows int64
	for row := range src.Rows() {
		cell, _ := excelize.CoordinatesToCellName(1, int(rows)+2)
		if err := sw.SetRow(cell, row); err != nil {
			src.Cancel()
			fail(apperr.Wrap(err, apperr.CodeExport, "failed to write report row"))
			return
		}
		rows++
	}
	if err := src.Err(); err != nil {
		fail(apperr.Wrap(err, apperr.CodeDatabase, "report stream failed"))
		return
	}
	if err := sw.Flush(); err != nil {
		fail(apperr.Wrap(err, apperr.CodeExport, "failed to finalize workbook"))
		return
	}

	c.Header("Content-Type", constant.XLSXContentType)
	c.Header("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", export.Filename(c.Query("filename"), start)))
	written, err := f.WriteTo(c.Writer)
	if err != nil {
		// bytes are already on the wire; tear the connection down
		log.Errorf("export: buffered response write failed after %d bytes: %v", written, err)
		finish(export.Result{
			Rows:     rows,
			Bytes:    written,
			Duration: time.Since(start),
			Err:      apperr.Wrap(err, apperr.CodeExport, "response write failed"),
			Aborted:  true,
		})
		panic(http.ErrAbortHandler)
	}

	finish(export.Result{Rows: rows, Bytes: written, Duration: time.Since(start)})
}

// Stats answers with running export totals and recent records.
func (h *ExportHandler) Stats(c *gin.Context) {
	if h.recorder == nil {
		c.JSON(http.StatusOK, stats.Snapshot{})
		return
	}
	c.JSON(http.StatusOK, h.recorder.Snapshot())
}

// finishRecorder builds the OnFinish hook mapping an export result onto a
// statistics record.
func (h *ExportHandler) finishRecorder(endpoint string) func(export.Result) {
	return func(res export.Result) {
		outcome := stats.OutcomeSuccess
		switch {
		case res.Aborted:
			outcome = stats.OutcomeAborted
		case res.Err != nil:
			outcome = stats.OutcomeFailed
		}
		if res.Err == nil {
			log.Infof("export: %s export finished: %d rows, %d bytes in %s",
				endpoint, res.Rows, res.Bytes, res.Duration.Round(time.Millisecond))
		}
		if h.recorder == nil {
			return
		}
		h.recorder.Record(stats.Record{
			Endpoint:   endpoint,
			Rows:       res.Rows,
			Bytes:      res.Bytes,
			DurationMS: res.Duration.Milliseconds(),
			Outcome:    outcome,
			PeakRSS:    res.Peak.RSS,
			PeakHeap:   res.Peak.HeapUsed,
		})
	}
}

func nowISO8601() string {
	return time.Now().UTC().Format(time.RFC3339)
}
