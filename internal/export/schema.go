// Package export drives one spreadsheet export end to end: rows come off the
// streaming query source, pass through the workbook encoder, and land on the
// client's response stream under backpressure. The controller owns the
// request lifecycle and guarantees exactly one terminal action per export.
package export

import "github.com/exportworks/excel-export/internal/xlsx"

// Columns returns the report worksheet schema. Order matches the generator
// query's select list; the controller writes rows positionally.
func Columns() []xlsx.Column {
	return []xlsx.Column{
		{Header: "IntColumn", Key: "intColumn", Width: 12},
		{Header: "BigIntColumn", Key: "bigIntColumn", Width: 22},
		{Header: "DecimalColumn", Key: "decimalColumn", Width: 16},
		{Header: "FloatColumn", Key: "floatColumn", Width: 16},
		{Header: "BitColumn", Key: "bitColumn", Width: 10},
		{Header: "GuidColumn", Key: "guidColumn", Width: 38},
		{Header: "DateColumn", Key: "dateColumn", Width: 22},
		{Header: "VarcharColumn", Key: "varcharColumn", Width: 28},
		{Header: "TextColumn", Key: "textColumn", Width: 40},
		{Header: "JsonColumn", Key: "jsonColumn", Width: 40},
	}
}
