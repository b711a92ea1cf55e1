package reports

import (
	"fmt"
	"io"
	"sort"

	"github.com/mmdatafocus/settlement_backend/models"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const (
	SettlementSheet = "Settlements"
	SummarySheet    = "Summary"
)

var settlementHeadings = []interface{}{
	"DateAdded", "Kind", "Status", "EventId", "DedupKey", "SenderId", "RecipientUserId",
	"RecipientAddress", "Amount", "Token", "Reason", "TransactionHash", "UserOperationHash",
	"AmountIn", "AmountOut", "TokenOut", "Attempts", "LastError",
}

var summaryHeadings = []interface{}{"Kind", "Status", "Count", "Amount"}

type summaryKey struct {
	kind   models.ActionKind
	status models.ActionStatus
}

// SettlementWorkbook lays out one row per record plus a per kind and status summary.
// Amounts are written as text so no precision is lost.
func SettlementWorkbook(recs []models.ActionRecord) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SettlementSheet); err != nil {
		return nil, err
	}
	if err := f.SetSheetRow(SettlementSheet, "A1", &settlementHeadings); err != nil {
		return nil, err
	}

	totals := map[summaryKey]decimal.Decimal{}
	counts := map[summaryKey]int{}
	for i, r := range recs {
		row := []interface{}{
			r.DateAdded.UTC().Format("2006-01-02 15:04:05"),
			string(r.Kind),
			string(r.Status),
			r.EventId,
			r.DedupKey,
			r.SenderId,
			r.RecipientUserId,
			r.RecipientAddress,
			r.Amount.String(),
			r.Token,
			r.Reason,
			r.TransactionHash,
			r.UserOperationHash,
			nullDecimalText(r.AmountIn),
			nullDecimalText(r.AmountOut),
			r.TokenOut,
			r.Attempts,
			r.LastError,
		}
		if err := f.SetSheetRow(SettlementSheet, "A"+fmt.Sprint(i+2), &row); err != nil {
			return nil, err
		}
		k := summaryKey{kind: r.Kind, status: r.Status}
		totals[k] = totals[k].Add(r.Amount)
		counts[k]++
	}

	if _, err := f.NewSheet(SummarySheet); err != nil {
		return nil, err
	}
	if err := f.SetSheetRow(SummarySheet, "A1", &summaryHeadings); err != nil {
		return nil, err
	}
	keys := make([]summaryKey, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].status < keys[j].status
	})
	for i, k := range keys {
		row := []interface{}{string(k.kind), string(k.status), counts[k], totals[k].String()}
		if err := f.SetSheetRow(SummarySheet, "A"+fmt.Sprint(i+2), &row); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func WriteSettlements(w io.Writer, recs []models.ActionRecord) error {
	f, err := SettlementWorkbook(recs)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

func SaveSettlements(filename string, recs []models.ActionRecord) error {
	f, err := SettlementWorkbook(recs)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.SaveAs(filename)
}

func nullDecimalText(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}
