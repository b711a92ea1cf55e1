package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GetStorageClient uses ADC unless GCS_CREDENTIALS_JSON is set.
func GetStorageClient(ctx context.Context) (*storage.Client, error) {
	var opts []option.ClientOption
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx, opts...)
}

// CheckBucket fails when the bucket is missing or not readable with the current credentials.
func CheckBucket(ctx context.Context, client *storage.Client, bucket string) error {
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("gcs bucket %q not found or not accessible: %w", bucket, err)
	}
	return nil
}
