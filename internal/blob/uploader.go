package blob

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/png"
	"io"
	"sync"
	"time"

	"chatsync/internal/feed"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"
)

const thumbWidth = 320

// Progress 是一次上传的进度快照。
type Progress struct {
	Sent    int64   `json:"sent"`
	Total   int64   `json:"total"`
	Percent float64 `json:"percent"`
}

type Result struct {
	URL      string
	ThumbURL string
}

type Uploader struct {
	store    Store
	maxBytes int64
	now      func() time.Time
}

func NewUploader(store Store, maxBytes int64) *Uploader {
	return &Uploader{store: store, maxBytes: maxBytes, now: time.Now}
}

// Upload 是进行中的上传。Progress 在上传结束后关闭，Wait 返回最终结果。
type Upload struct {
	progress *feed.Latest[Progress]
	done     chan struct{}
	res      Result
	err      error
}

func (u *Upload) Progress() <-chan Progress { return u.progress.C() }

func (u *Upload) Wait() (Result, error) {
	<-u.done
	return u.res, u.err
}

// Start 在后台开始上传 a。
func (up *Uploader) Start(ctx context.Context, a Asset) *Upload {
	u := &Upload{progress: feed.NewLatest[Progress](), done: make(chan struct{})}
	go func() {
		defer close(u.done)
		defer u.progress.Close()
		u.res, u.err = up.run(ctx, a, u.progress)
	}()
	return u
}

// Put 同步上传并等待结果。
func (up *Uploader) Put(ctx context.Context, a Asset) (Result, error) {
	return up.Start(ctx, a).Wait()
}

func (up *Uploader) run(ctx context.Context, a Asset, progress *feed.Latest[Progress]) (Result, error) {
	total := int64(len(a.Data))
	if up.maxBytes > 0 && total > up.maxBytes {
		return Result{}, fmt.Errorf("%s: %d bytes: %w", a.Name, total, ErrTooLarge)
	}
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := Key(up.now(), a.Name)
	progress.Publish(Progress{Total: total})
	pr := &progressReader{r: bytes.NewReader(a.Data), total: total, report: func(p Progress) { progress.Publish(p) }}
	url, err := up.store.Put(ctx, key, contentType, pr, total)
	if err != nil {
		return Result{}, err
	}
	progress.Publish(Progress{Sent: total, Total: total, Percent: 100})

	res := Result{URL: url}
	thumb, err := Thumbnail(a.Data)
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("skip thumbnail")
		return res, nil
	}
	tk := ThumbKey(key)
	turl, err := up.store.Put(ctx, tk, "image/jpeg", bytes.NewReader(thumb), int64(len(thumb)))
	if err != nil {
		log.Warn().Err(err).Str("key", tk).Msg("upload thumbnail")
		return res, nil
	}
	res.ThumbURL = turl
	return res, nil
}

// Thumbnail 把图片缩放到 320px 宽并编码为 JPEG。
func Thumbnail(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if img.Bounds().Dx() > thumbWidth {
		img = imaging.Resize(img, thumbWidth, 0, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type progressReader struct {
	r      io.Reader
	total  int64
	mu     sync.Mutex
	sent   int64
	report func(Progress)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.mu.Lock()
		p.sent += int64(n)
		pg := Progress{Sent: p.sent, Total: p.total}
		p.mu.Unlock()
		if p.total > 0 {
			pg.Percent = float64(pg.Sent) * 100 / float64(p.total)
		}
		p.report(pg)
	}
	return n, err
}
