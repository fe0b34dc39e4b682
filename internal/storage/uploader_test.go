package storage

import (
	"context"
	"strings"
	"testing"
)

func TestUploadIsContentAddressed(t *testing.T) {
	uploader := NewContentHashUploader()
	first, err := uploader.Upload(context.Background(), map[string]string{"plan": "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := uploader.Upload(context.Background(), map[string]string{"plan": "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("相同对象应得到相同内容 ID: %s vs %s", first, second)
	}
	if !strings.HasPrefix(first, "content:0x") {
		t.Fatalf("内容 ID 格式不对: %s", first)
	}

	other, err := uploader.Upload(context.Background(), map[string]string{"plan": "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other == first {
		t.Fatalf("不同对象不应得到相同内容 ID")
	}
}
