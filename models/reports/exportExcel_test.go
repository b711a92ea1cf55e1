package reports

import (
	"bytes"
	"testing"
	"time"

	"github.com/mmdatafocus/settlement_backend/models"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

func TestWriteSettlements(t *testing.T) {
	added := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	recs := []models.ActionRecord{
		{Kind: models.ActionKindSignupReward, Status: models.ActionStatusSuccess, DedupKey: "u1|e1|user_sign_up", Amount: decimal.NewFromInt(100), Token: "USDT", TransactionHash: "0xabc", DateAdded: added},
		{Kind: models.ActionKindSignupReward, Status: models.ActionStatusSuccess, DedupKey: "u2|e2|user_sign_up", Amount: decimal.NewFromInt(100), Token: "USDT", DateAdded: added},
		{Kind: models.ActionKindSwap, Status: models.ActionStatusFailure, DedupKey: "e3", Amount: decimal.RequireFromString("0.000000000000000001"), AmountOut: decimal.NullDecimal{Decimal: decimal.RequireFromString("1.5"), Valid: true}, DateAdded: added},
	}

	var buf bytes.Buffer
	if err := WriteSettlements(&buf, recs); err != nil {
		t.Fatalf("WriteSettlements: %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(SettlementSheet)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d", len(rows))
	}
	if rows[0][0] != "DateAdded" || rows[1][0] != "2026-05-01 09:30:00" {
		t.Fatalf("unexpected first column: %q %q", rows[0][0], rows[1][0])
	}
	if rows[3][8] != "0.000000000000000001" {
		t.Fatalf("expected full precision amount, got %q", rows[3][8])
	}
	if rows[3][14] != "1.5" {
		t.Fatalf("expected amount out, got %q", rows[3][14])
	}

	summary, err := f.GetRows(SummarySheet)
	if err != nil {
		t.Fatalf("summary rows: %v", err)
	}
	if len(summary) != 3 {
		t.Fatalf("expected header plus 2 summary rows, got %d", len(summary))
	}
	if summary[1][0] != "SIGNUP_REWARD" || summary[1][2] != "2" || summary[1][3] != "200" {
		t.Fatalf("unexpected summary row: %v", summary[1])
	}
}
