package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Platform 目标平台闭合枚举
type Platform string

const (
	LinkedIn Platform = "LINKEDIN"
	Twitter  Platform = "TWITTER"
)

var (
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	// ErrMissingAccessToken 凭证缺失属于校验失败，不算上游失败
	ErrMissingAccessToken = errors.New("missing or empty access token")
)

// Normalize 把外部输入收敛到枚举；"X" 是 Twitter 的别名
func Normalize(s string) (Platform, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LINKEDIN":
		return LinkedIn, nil
	case "TWITTER", "X":
		return Twitter, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPlatform, s)
	}
}

func (p Platform) String() string { return string(p) }

// Provider accounts 表里的 provider 取值（历史上小写）
func (p Platform) Provider() string { return strings.ToLower(string(p)) }

// Credentials 适配器所需的平台凭证
type Credentials struct {
	AccessToken    string
	ProviderUserID string
}

// PostResult 平台侧的规范化发布结果
type PostResult struct {
	ExternalID string
	URL        string
}

// Adapter 把发布意图翻译成具体平台的 API 调用序列
// 多步协议（LinkedIn 三步图片、Twitter 线程）内部严格串行
type Adapter interface {
	Publish(ctx context.Context, creds Credentials, content, imageURL string) (*PostResult, error)
}

// UpstreamError 上游平台调用失败，保留原始报文供排障
type UpstreamError struct {
	Platform Platform
	Op       string
	Status   int
	Body     string
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Platform, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Platform, e.Op, e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
