package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Uploader 抽象去中心化存储上传能力。未配置真实后端时使用
// 内容哈希作为确定性的 mock 内容标识。
type Uploader interface {
	Upload(ctx context.Context, object any) (string, error)
}

// ContentHashUploader 是默认实现：不真正上传，返回对象 JSON 的
// keccak256 作为内容 ID，同一对象总是得到同一 ID。
type ContentHashUploader struct{}

// NewContentHashUploader 创建默认上传器。
func NewContentHashUploader() *ContentHashUploader {
	return &ContentHashUploader{}
}

// Upload 返回对象的内容寻址标识。
func (u *ContentHashUploader) Upload(_ context.Context, object any) (string, error) {
	encoded, err := json.Marshal(object)
	if err != nil {
		return "", fmt.Errorf("序列化上传对象失败: %w", err)
	}
	return "content:" + crypto.Keccak256Hash(encoded).Hex(), nil
}
