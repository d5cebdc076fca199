// Package media stores inbound attachments on disk and hands back public URLs.
package media

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"msggate/logger"
	"msggate/service/transport"
	"msggate/tools"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	RoutePrefix  = "/media"
	fallbackExt  = ".bin"
	suffixBytes  = 6 // 12 hex chars
	tempFileGlob = ".ingest-*"
)

var extByMime = map[string]string{
	"image/jpeg":               ".jpg",
	"image/png":                ".png",
	"image/gif":                ".gif",
	"image/webp":               ".webp",
	"video/mp4":                ".mp4",
	"video/3gpp":               ".3gp",
	"audio/ogg":                ".ogg",
	"audio/mpeg":               ".mp3",
	"audio/mp4":                ".m4a",
	"audio/aac":                ".aac",
	"application/pdf":          ".pdf",
	"application/zip":          ".zip",
	"application/msword":       ".doc",
	"application/vnd.ms-excel": ".xls",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       ".xlsx",
	"text/plain": ".txt",
	"text/vcard": ".vcf",
}

// ExtensionFor maps a declared MIME type to a file extension; parameters are ignored.
func ExtensionFor(mimeType string) string {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	if ext, ok := extByMime[base]; ok {
		return ext
	}
	return fallbackExt
}

type Descriptor struct {
	FileName string `json:"filename"`
	MimeType string `json:"mimeType"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
}

// Downloader is the slice of a transport handle media ingest needs.
type Downloader interface {
	Download(ctx context.Context, ref transport.MediaRef, w io.Writer) (int64, error)
}

type Ingestor struct {
	root    string
	baseURL string
	now     func() time.Time
	log     *zap.Logger
}

func NewIngestor(root, publicBaseURL string, log *zap.Logger) (*Ingestor, error) {
	if log == nil {
		log = logger.L()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create media dir %s", root)
	}
	return &Ingestor{
		root:    root,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		now:     time.Now,
		log:     log,
	}, nil
}

func (in *Ingestor) Root() string { return in.root }

// Ingest downloads ref and returns its descriptor, or nil when anything fails.
func (in *Ingestor) Ingest(ctx context.Context, d Downloader, ref transport.MediaRef, mimeType string) *Descriptor {
	if mimeType == "" {
		mimeType = ref.MimeType
	}
	desc, err := in.ingest(ctx, d, ref, mimeType)
	if err != nil {
		in.log.Warn("[media] ingest failed", zap.String("handle", ref.Handle), zap.String("mime", mimeType), zap.Error(err))
		return nil
	}
	return desc
}

func (in *Ingestor) ingest(ctx context.Context, d Downloader, ref transport.MediaRef, mimeType string) (*Descriptor, error) {
	tmp, err := os.CreateTemp(in.root, tempFileGlob)
	if err != nil {
		return nil, errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	n, err := d.Download(ctx, ref, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.Wrap(err, "download")
	}

	name := strconv.FormatInt(in.now().UnixMilli(), 10) + "-" + tools.RandHex(suffixBytes) + ExtensionFor(mimeType)
	if err := os.Rename(tmpName, filepath.Join(in.root, name)); err != nil {
		return nil, errors.Wrap(err, "commit media file")
	}
	committed = true

	return &Descriptor{
		FileName: name,
		MimeType: mimeType,
		URL:      in.baseURL + RoutePrefix + "/" + name,
		Size:     n,
	}, nil
}
