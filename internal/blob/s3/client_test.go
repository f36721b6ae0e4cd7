package s3blob

import (
	"context"
	"strings"
	"testing"
)

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		ssl      bool
		want     string
	}{
		{"https://e2.example.com", false, "https://e2.example.com"},
		{"minio:9000", false, "http://minio:9000"},
		{"r2.example.com", true, "https://r2.example.com"},
		{"localhost:9000", true, "https://localhost:9000"},
		{"http://minio:9000", true, "http://minio:9000"},
	}
	for _, tt := range tests {
		if got := normaliseEndpoint(tt.endpoint, tt.ssl); got != tt.want {
			t.Errorf("normaliseEndpoint(%q, %v) = %q, want %q", tt.endpoint, tt.ssl, got, tt.want)
		}
	}
}

func TestNewRequiresBucketAndRegion(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{})
	if err == nil {
		t.Fatal("expected error for empty config")
	}
	for _, want := range []string{"bucket", "region"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestNewWriterClampsPartSize(t *testing.T) {
	c, err := New(context.Background(), ClientConfig{
		Endpoint:       "localhost:9000",
		Region:         "us-east-1",
		Bucket:         "ledger",
		AccessKey:      "k",
		SecretKey:      "s",
		ForcePathStyle: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	w := NewWriter(c, 1024)
	if w.uploader.PartSize != minPartSize {
		t.Fatalf("part size = %d, want %d", w.uploader.PartSize, minPartSize)
	}
	if w.bucket != "ledger" {
		t.Fatalf("bucket = %s", w.bucket)
	}
}
