package notify

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/mmdatafocus/settlement_backend/models"
)

var objectNameReplacer = strings.NewReplacer("|", "_", "/", "_", " ", "_", ":", "_")

// ReceiptArchiver writes a JSON receipt per settled record to GCS.
type ReceiptArchiver struct {
	bucket *storage.BucketHandle
	prefix string
}

func NewReceiptArchiver(client *storage.Client, bucket string) *ReceiptArchiver {
	return &ReceiptArchiver{bucket: client.Bucket(bucket), prefix: "receipts"}
}

func ReceiptObjectName(prefix string, rec models.ActionRecord) string {
	return path.Join(prefix, strings.ToLower(string(rec.Kind)), rec.DateAdded.UTC().Format("2006/01/02"), objectNameReplacer.Replace(rec.DedupKey)+".json")
}

func (r *ReceiptArchiver) Notify(ctx context.Context, rec models.ActionRecord) error {
	if rec.Status != models.ActionStatusSuccess {
		return nil
	}
	if r == nil || r.bucket == nil {
		return errors.New("receipt bucket not configured")
	}
	data, err := json.MarshalIndent(NewSettlement(rec), "", "  ")
	if err != nil {
		return err
	}
	w := r.bucket.Object(ReceiptObjectName(r.prefix, rec)).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
