// Package constant defines shared constant values used across the export
// services. These cover the spreadsheet content type, the token claims
// exchanged between the gateway and the export API, and the tuning defaults
// for the streaming pipeline.
package constant

import "time"

const (
	// XLSXContentType is the MIME type served for generated workbooks.
	XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	// WorksheetName is the single sheet every generated workbook contains.
	WorksheetName = "Report"

	// FilenamePrefix is the base name of generated download files.
	FilenamePrefix = "report"
)

const (
	// TokenIssuer is the issuer claim stamped on gateway-minted tokens.
	TokenIssuer = "excel-export-app"

	// TokenAudience is the audience claim the export API requires.
	TokenAudience = "excel-export-api"

	// MinTokenSecretLength is the shortest accepted signing secret, in bytes.
	MinTokenSecretLength = 32

	// DefaultTokenTTL is the lifetime of a minted service token.
	DefaultTokenTTL = 15 * time.Minute
)

const (
	// DefaultRowCount is used when a request does not specify rowCount.
	DefaultRowCount = 30_000

	// MinRowCount and MaxRowCount bound the accepted rowCount range.
	MinRowCount = 1
	MaxRowCount = 1_048_576

	// FlushHighWaterMark is the number of response bytes accumulated before
	// the export pauses its row source and drains the client socket.
	FlushHighWaterMark = 64 * 1024

	// MemorySampleInterval is the row interval between memory usage samples.
	MemorySampleInterval = 5_000

	// RowChannelDepth is the buffer size of the row hand-off channel between
	// the database fetch loop and the workbook encoder.
	RowChannelDepth = 64
)
