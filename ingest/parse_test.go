package ingest

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/mmdatafocus/gstrecon_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const sampleCSV = `supplier_gstin,buyer_gstin,inv_no,amount,status,hsn_code,tax_rate,period
 27aapfu0939f1zv ,29AABCT1332L1ZT, INV-001 ,1000,Mismatch,1234,18,2024-04
27AAPFU0939F1ZV,29AABCT1332L1ZT,INV-002,250.50,missing,,,2024-04

`

func TestParse_CSVNormalises(t *testing.T) {
	b, err := Parse("gstr1.csv", strings.NewReader(sampleCSV))
	require.NoError(t, err)
	require.Equal(t, []string{"supplier_gstin", "buyer_gstin", "inv_no", "amount", "status", "hsn_code", "tax_rate", "period"}, b.Columns)
	require.Len(t, b.Rows, 2)

	r := b.Rows[0]
	require.Equal(t, "27AAPFU0939F1ZV", r.SupplierGstin)
	require.Equal(t, "INV-001", r.InvNo)
	require.Equal(t, models.InvoiceStatusMismatch, r.Status)
	require.True(t, r.Amount.Equal(decimal.NewFromInt(1000)))
	require.True(t, r.TaxRate.Equal(decimal.NewFromInt(18)))

	r = b.Rows[1]
	require.Equal(t, models.InvoiceStatusMissing, r.Status)
	require.True(t, r.TaxRate.IsZero())
	require.Empty(t, r.HsnCode)
}

func TestParse_RejectsUnsupportedExtension(t *testing.T) {
	_, err := Parse("gstr1.json", strings.NewReader("{}"))
	require.True(t, errors.Is(err, ErrUnsupportedFile))
}

func TestParse_MissingColumns(t *testing.T) {
	_, err := Parse("x.csv", strings.NewReader("supplier_gstin,inv_no,amount\nA,1,2\n"))
	require.True(t, errors.Is(err, ErrMissingColumns))
	require.Contains(t, err.Error(), "buyer_gstin, status")
}

func TestParse_InvalidRows(t *testing.T) {
	cases := map[string]string{
		"bad amount":      "supplier_gstin,buyer_gstin,inv_no,amount,status\nA,B,1,abc,matched\n",
		"negative amount": "supplier_gstin,buyer_gstin,inv_no,amount,status\nA,B,1,-5,matched\n",
		"missing inv":     "supplier_gstin,buyer_gstin,inv_no,amount,status\nA,B,,5,matched\n",
		"bad rate":        "supplier_gstin,buyer_gstin,inv_no,amount,status,tax_rate\nA,B,1,5,matched,x\n",
	}
	for name, body := range cases {
		_, err := Parse("x.csv", strings.NewReader(body))
		if !errors.Is(err, ErrInvalidRow) {
			t.Fatalf("%s: expected ErrInvalidRow, got %v", name, err)
		}
	}
}

func TestParse_DecimalsMustSurviveStorage(t *testing.T) {
	header := "supplier_gstin,buyer_gstin,inv_no,amount,status,tax_rate\n"

	b, err := Parse("x.csv", strings.NewReader(header+"A,B,1,5,matched,18.00001\nA,B,2,5,matched,1000\nA,B,3,5,matched,18.1000000000\n"))
	require.NoError(t, err)
	require.Equal(t, "18.00001", b.Rows[0].TaxRate.String())
	require.True(t, b.Rows[1].TaxRate.Equal(decimal.NewFromInt(1000)))
	require.True(t, b.Rows[2].TaxRate.Equal(decimal.RequireFromString("18.1")))

	rejected := map[string]string{
		"rate scale":   "A,B,1,5,matched,18.000000001\n",
		"rate range":   "A,B,1,5,matched,1000000000000\n",
		"amount scale": "A,B,1,5.00001,matched,18\n",
	}
	for name, row := range rejected {
		_, err := Parse("x.csv", strings.NewReader(header+row))
		if !errors.Is(err, ErrInvalidRow) {
			t.Fatalf("%s: expected ErrInvalidRow, got %v", name, err)
		}
	}
}

func TestParse_EmptyFile(t *testing.T) {
	_, err := Parse("x.csv", strings.NewReader(""))
	require.True(t, errors.Is(err, ErrMalformedFile))
}

func TestParse_XLSX(t *testing.T) {
	f := excelize.NewFile()
	rows := [][]interface{}{
		{"Supplier_GSTIN", "buyer_gstin", "inv_no", "amount", "status", "hsn_code"},
		{"s1", "b1", "inv-1", "1000", "mismatch", "12345"},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	b, err := Parse("upload.XLSX", &buf)
	require.NoError(t, err)
	require.Len(t, b.Rows, 1)
	require.Equal(t, "S1", b.Rows[0].SupplierGstin)
	require.Equal(t, "12345", b.Rows[0].HsnCode)
}
