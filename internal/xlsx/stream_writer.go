// Package xlsx writes minimal XLSX workbooks directly onto an io.Writer.
// The produced package holds a single inline-string worksheet without shared
// strings or styles, so rows can be emitted one at a time with only
// kilobyte-scale buffering between the encoder and its destination.
package xlsx

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Column describes one worksheet column.
type Column struct {
	// Header is the first-row label.
	Header string

	// Key names the column in logs and statistics.
	Key string

	// Width is the column width in character units; zero keeps the default.
	Width float64
}

// ErrWriterClosed is returned by writes that arrive after Close.
var ErrWriterClosed = errors.New("xlsx: stream writer is closed")

// ErrSheetFull is returned once the worksheet holds MaxRows rows; a row
// reference past the limit would make the archive unreadable.
var ErrSheetFull = errors.New("xlsx: worksheet row limit reached")

// MaxRows is the worksheet row capacity, header row included.
const MaxRows = 1_048_576

const xmlHeader = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n"

const contentTypesXML = xmlHeader +
	`<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">` +
	`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>` +
	`<Default Extension="xml" ContentType="application/xml"/>` +
	`<Override PartName="/xl/workbook.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.sheet.main+xml"/>` +
	`<Override PartName="/xl/worksheets/sheet1.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.worksheet+xml"/>` +
	`</Types>`

const rootRelsXML = xmlHeader +
	`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
	`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="xl/workbook.xml"/>` +
	`</Relationships>`

const workbookRelsXML = xmlHeader +
	`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
	`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/worksheet" Target="worksheets/sheet1.xml"/>` +
	`</Relationships>`

func workbookXML(sheetName string) string {
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString(`<workbook xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships"><sheets><sheet name="`)
	_ = xml.EscapeText(&b, []byte(sheetName))
	b.WriteString(`" sheetId="1" r:id="rId1"/></sheets></workbook>`)
	return b.String()
}

// StreamWriter emits one workbook onto a destination writer, row by row.
// Workbook scaffolding and the header row are written up front; every
// WriteRow call hands a complete serialized row to the destination. It is
// not safe for concurrent use.
type StreamWriter struct {
	zw     *zip.Writer
	sheet  io.Writer
	cols   []Column
	refs   []string
	rows   int
	closed bool
	rowBuf []byte
}

// NewStreamWriter writes the workbook scaffolding and the header row onto w
// and returns a writer for the data rows. The destination receives output
// incrementally; nothing is staged in temporary files.
func NewStreamWriter(w io.Writer, sheetName string, cols []Column) (*StreamWriter, error) {
	if len(cols) == 0 {
		return nil, errors.New("xlsx: at least one column required")
	}
	if sheetName == "" {
		sheetName = "Sheet1"
	}

	sw := &StreamWriter{
		zw:   zip.NewWriter(w),
		cols: cols,
		refs: make([]string, len(cols)),
	}
	for i := range cols {
		sw.refs[i] = columnName(i)
	}

	parts := []struct{ name, body string }{
		{"[Content_Types].xml", contentTypesXML},
		{"_rels/.rels", rootRelsXML},
		{"xl/workbook.xml", workbookXML(sheetName)},
		{"xl/_rels/workbook.xml.rels", workbookRelsXML},
	}
	for _, part := range parts {
		f, err := sw.zw.Create(part.name)
		if err != nil {
			return nil, fmt.Errorf("xlsx: create %s: %w", part.name, err)
		}
		if _, err := io.WriteString(f, part.body); err != nil {
			return nil, fmt.Errorf("xlsx: write %s: %w", part.name, err)
		}
	}

	sheet, err := sw.zw.Create("xl/worksheets/sheet1.xml")
	if err != nil {
		return nil, fmt.Errorf("xlsx: create worksheet: %w", err)
	}
	sw.sheet = sheet

	if err := sw.writeSheetPreamble(); err != nil {
		return nil, err
	}
	header := make([]any, len(cols))
	for i, col := range cols {
		header[i] = col.Header
	}
	if err := sw.writeRow(1, header); err != nil {
		return nil, err
	}
	return sw, nil
}

func (sw *StreamWriter) writeSheetPreamble() error {
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString(`<worksheet xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main">`)

	withWidth := false
	for _, col := range sw.cols {
		if col.Width > 0 {
			withWidth = true
			break
		}
	}
	if withWidth {
		b.WriteString(`<cols>`)
		for i, col := range sw.cols {
			if col.Width <= 0 {
				continue
			}
			fmt.Fprintf(&b, `<col min="%d" max="%d" width="%s" customWidth="1"/>`,
				i+1, i+1, strconv.FormatFloat(col.Width, 'f', -1, 64))
		}
		b.WriteString(`</cols>`)
	}

	b.WriteString(`<sheetData>`)
	if _, err := io.WriteString(sw.sheet, b.String()); err != nil {
		return fmt.Errorf("xlsx: write worksheet preamble: %w", err)
	}
	return nil
}

// WriteRow appends one data row. Values map onto columns positionally; nil
// values and missing trailing values leave cells empty. Returns ErrSheetFull
// once the header plus data rows reach the worksheet capacity.
func (sw *StreamWriter) WriteRow(values []any) error {
	if sw.closed {
		return ErrWriterClosed
	}
	if sw.rows+1 >= MaxRows {
		return ErrSheetFull
	}
	if len(values) > len(sw.cols) {
		return fmt.Errorf("xlsx: row has %d values for %d columns", len(values), len(sw.cols))
	}
	sw.rows++
	return sw.writeRow(sw.rows+1, values)
}

func (sw *StreamWriter) writeRow(rowNum int, values []any) error {
	buf := sw.rowBuf[:0]
	buf = append(buf, `<row r="`...)
	buf = strconv.AppendInt(buf, int64(rowNum), 10)
	buf = append(buf, `">`...)
	for i, v := range values {
		buf = sw.appendCell(buf, i, rowNum, v)
	}
	buf = append(buf, `</row>`...)
	sw.rowBuf = buf

	if _, err := sw.sheet.Write(buf); err != nil {
		return fmt.Errorf("xlsx: write row %d: %w", rowNum, err)
	}
	return nil
}

func (sw *StreamWriter) appendCell(buf []byte, col, rowNum int, v any) []byte {
	ref := func(buf []byte) []byte {
		buf = append(buf, sw.refs[col]...)
		return strconv.AppendInt(buf, int64(rowNum), 10)
	}

	switch val := v.(type) {
	case nil:
		buf = append(buf, `<c r="`...)
		buf = ref(buf)
		buf = append(buf, `"/>`...)
	case bool:
		buf = append(buf, `<c r="`...)
		buf = ref(buf)
		buf = append(buf, `" t="b"><v>`...)
		if val {
			buf = append(buf, '1')
		} else {
			buf = append(buf, '0')
		}
		buf = append(buf, `</v></c>`...)
	case int:
		buf = sw.appendNumberCell(buf, ref, strconv.AppendInt(nil, int64(val), 10))
	case int32:
		buf = sw.appendNumberCell(buf, ref, strconv.AppendInt(nil, int64(val), 10))
	case int64:
		buf = sw.appendNumberCell(buf, ref, strconv.AppendInt(nil, val, 10))
	case uint64:
		buf = sw.appendNumberCell(buf, ref, strconv.AppendUint(nil, val, 10))
	case float32:
		buf = sw.appendNumberCell(buf, ref, strconv.AppendFloat(nil, float64(val), 'f', -1, 32))
	case float64:
		buf = sw.appendNumberCell(buf, ref, strconv.AppendFloat(nil, val, 'f', -1, 64))
	case time.Time:
		buf = sw.appendInlineString(buf, ref, val.UTC().Format(time.RFC3339))
	case string:
		buf = sw.appendInlineString(buf, ref, val)
	case []byte:
		buf = sw.appendInlineString(buf, ref, string(val))
	case fmt.Stringer:
		buf = sw.appendInlineString(buf, ref, val.String())
	default:
		buf = sw.appendInlineString(buf, ref, fmt.Sprintf("%v", val))
	}
	return buf
}

func (sw *StreamWriter) appendNumberCell(buf []byte, ref func([]byte) []byte, num []byte) []byte {
	buf = append(buf, `<c r="`...)
	buf = ref(buf)
	buf = append(buf, `"><v>`...)
	buf = append(buf, num...)
	buf = append(buf, `</v></c>`...)
	return buf
}

func (sw *StreamWriter) appendInlineString(buf []byte, ref func([]byte) []byte, s string) []byte {
	buf = append(buf, `<c r="`...)
	buf = ref(buf)
	buf = append(buf, `" t="inlineStr"><is><t xml:space="preserve">`...)
	buf = appendEscaped(buf, s)
	buf = append(buf, `</t></is></c>`...)
	return buf
}

// appendEscaped writes s with XML text escaping. Control characters outside
// tab, newline, and carriage return are not representable in XML 1.0 and are
// dropped.
func appendEscaped(buf []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '&':
			buf = append(buf, `&amp;`...)
		case '<':
			buf = append(buf, `&lt;`...)
		case '>':
			buf = append(buf, `&gt;`...)
		case '\t', '\n', '\r':
			buf = append(buf, c)
		default:
			if c < 0x20 {
				continue
			}
			buf = append(buf, c)
		}
	}
	return buf
}

// Rows returns the number of data rows written so far, excluding the header.
func (sw *StreamWriter) Rows() int { return sw.rows }

// Close finishes the worksheet and the surrounding archive, flushing all
// remaining compressed output. The destination writer itself stays open.
func (sw *StreamWriter) Close() error {
	if sw.closed {
		return ErrWriterClosed
	}
	sw.closed = true
	if _, err := io.WriteString(sw.sheet, `</sheetData></worksheet>`); err != nil {
		return fmt.Errorf("xlsx: finish worksheet: %w", err)
	}
	if err := sw.zw.Close(); err != nil {
		return fmt.Errorf("xlsx: finish archive: %w", err)
	}
	return nil
}

// columnName converts a zero-based column index to its A1-style letters.
func columnName(idx int) string {
	name := make([]byte, 0, 3)
	idx++
	for idx > 0 {
		idx--
		name = append([]byte{byte('A' + idx%26)}, name...)
		idx /= 26
	}
	return string(name)
}
