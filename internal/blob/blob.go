// Package blob 存放图片等二进制资源：Store 负责落盘/上传，
// Uploader 负责生成对象键、上报进度以及生成缩略图。
package blob

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var ErrTooLarge = errors.New("asset too large")

// Store 上传一个对象并返回可访问的 URL。
type Store interface {
	Put(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, error)
}

// Asset 是待上传的文件。
type Asset struct {
	Name        string
	ContentType string
	Data        []byte
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeName 去掉路径并把不安全字符替换为下划线。
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "file"
	}
	if len(name) > 100 {
		name = name[len(name)-100:]
	}
	return name
}

// Key 生成 images/<纳秒时间戳>-<文件名> 形式的对象键。
func Key(now time.Time, name string) string {
	return "images/" + strconv.FormatInt(now.UnixNano(), 10) + "-" + SanitizeName(name)
}

// ThumbKey 是原图对应的缩略图键。
func ThumbKey(key string) string {
	return key + "_thumb.jpg"
}
