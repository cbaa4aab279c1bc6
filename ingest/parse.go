// Package ingest reads GSTR invoice uploads (CSV or XLSX) into normalised rows.
// Nothing is written to the store here; a file either parses completely or is rejected.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
)

var (
	ErrUnsupportedFile = errors.New("only .csv and .xlsx files are accepted")
	ErrMalformedFile   = errors.New("could not parse file")
	ErrMissingColumns  = errors.New("missing columns")
	ErrInvalidRow      = errors.New("invalid row")
)

const (
	ColSupplierGstin = "supplier_gstin"
	ColBuyerGstin    = "buyer_gstin"
	ColInvNo         = "inv_no"
	ColAmount        = "amount"
	ColStatus        = "status"
	ColHsnCode       = "hsn_code"
	ColTaxRate       = "tax_rate"
	ColPeriod        = "period"
	ColInvoiceDate   = "invoice_date"
)

var RequiredColumns = []string{ColSupplierGstin, ColBuyerGstin, ColInvNo, ColAmount, ColStatus}

// Format is the upload container type, chosen by file extension.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

func DetectFormat(filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(strings.TrimSpace(filename))) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	}
	return "", ErrUnsupportedFile
}

// Parse reads the whole upload. The header row is matched case-insensitively.
func Parse(filename string, r io.Reader) (*Batch, error) {
	format, err := DetectFormat(filename)
	if err != nil {
		return nil, err
	}
	var records [][]string
	switch format {
	case FormatXLSX:
		records, err = readXLSX(r)
	default:
		records, err = readCSV(r)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFile, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrMalformedFile)
	}
	return fromRecords(records)
}

func readCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return cr.ReadAll()
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	return f.GetRows(sheets[0])
}

func fromRecords(records [][]string) (*Batch, error) {
	header := records[0]
	columns := make([]string, len(header))
	index := map[string]int{}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		columns[i] = h
		key := strings.ToLower(h)
		if _, dup := index[key]; !dup {
			index[key] = i
		}
	}

	var missing []string
	for _, c := range RequiredColumns {
		if _, ok := index[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	batch := &Batch{Columns: columns}
	for n, rec := range records[1:] {
		if isBlank(rec) {
			continue
		}
		cell := func(col string) string {
			i, ok := index[col]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		raw := rawRow{
			SupplierGstin: cell(ColSupplierGstin),
			BuyerGstin:    cell(ColBuyerGstin),
			InvNo:         cell(ColInvNo),
			Amount:        cell(ColAmount),
			Status:        cell(ColStatus),
			HsnCode:       cell(ColHsnCode),
			TaxRate:       cell(ColTaxRate),
			Period:        cell(ColPeriod),
			InvoiceDate:   cell(ColInvoiceDate),
		}
		// header is line 1
		row, err := raw.normalise(n + 2)
		if err != nil {
			return nil, err
		}
		batch.Rows = append(batch.Rows, row)
	}
	return batch, nil
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
