// Package media gates and transforms attachment bytes before they reach blob storage.
package media

import (
	"mime"
	"strings"

	"go-dm-relay/internal/model"
	"go-dm-relay/pkg/config"
	"go-dm-relay/pkg/errs"

	"github.com/gabriel-vasile/mimetype"
)

// Limits are the per-type byte ceilings enforced before any bytes are accepted.
type Limits struct {
	ImageMaxBytes      int64
	ImageCompressBytes int64
	ImageMaxDimension  int
	VideoMaxBytes      int64
	AudioMaxBytes      int64
	DocumentMaxBytes   int64
	ThumbnailMaxBytes  int
}

func NewLimits(cfg config.MediaConfig) Limits {
	l := Limits{
		ImageMaxBytes:      cfg.ImageMaxBytes,
		ImageCompressBytes: cfg.ImageCompressBytes,
		ImageMaxDimension:  cfg.ImageMaxDimension,
		VideoMaxBytes:      cfg.VideoMaxBytes,
		AudioMaxBytes:      cfg.AudioMaxBytes,
		DocumentMaxBytes:   cfg.DocumentMaxBytes,
		ThumbnailMaxBytes:  cfg.ThumbnailMaxBytes,
	}
	def := DefaultLimits()
	if l.ImageMaxBytes <= 0 {
		l.ImageMaxBytes = def.ImageMaxBytes
	}
	if l.ImageCompressBytes <= 0 {
		l.ImageCompressBytes = def.ImageCompressBytes
	}
	if l.ImageMaxDimension <= 0 {
		l.ImageMaxDimension = def.ImageMaxDimension
	}
	if l.VideoMaxBytes <= 0 {
		l.VideoMaxBytes = def.VideoMaxBytes
	}
	if l.AudioMaxBytes <= 0 {
		l.AudioMaxBytes = def.AudioMaxBytes
	}
	if l.DocumentMaxBytes <= 0 {
		l.DocumentMaxBytes = def.DocumentMaxBytes
	}
	if l.ThumbnailMaxBytes <= 0 {
		l.ThumbnailMaxBytes = def.ThumbnailMaxBytes
	}
	return l
}

func DefaultLimits() Limits {
	return Limits{
		ImageMaxBytes:      10 << 20,
		ImageCompressBytes: 5 << 20,
		ImageMaxDimension:  2048,
		VideoMaxBytes:      2 << 30,
		AudioMaxBytes:      100 << 20,
		DocumentMaxBytes:   2 << 30,
		ThumbnailMaxBytes:  10 << 10,
	}
}

func (l Limits) MaxBytes(t model.AttachmentType) int64 {
	switch t {
	case model.AttachmentImage:
		return l.ImageMaxBytes
	case model.AttachmentVideo:
		return l.VideoMaxBytes
	case model.AttachmentAudio:
		return l.AudioMaxBytes
	default:
		return l.DocumentMaxBytes
	}
}

// 文档类允许的非 application/* 类型
var documentTypes = map[string]bool{
	"text/plain":    true,
	"text/csv":      true,
	"text/markdown": true,
	"text/rtf":      true,
}

// BaseType strips parameters and lowercases a MIME type.
func BaseType(mimeType string) string {
	if base, _, err := mime.ParseMediaType(mimeType); err == nil {
		return base
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// Classify maps a MIME type to an attachment type. ok is false for types that are never accepted.
func Classify(mimeType string) (model.AttachmentType, bool) {
	base := BaseType(mimeType)
	switch {
	case strings.HasPrefix(base, "image/"):
		return model.AttachmentImage, true
	case strings.HasPrefix(base, "video/"):
		return model.AttachmentVideo, true
	case strings.HasPrefix(base, "audio/"):
		return model.AttachmentAudio, true
	case strings.HasPrefix(base, "application/") && base != "application/x-msdownload":
		return model.AttachmentDocument, true
	case documentTypes[base]:
		return model.AttachmentDocument, true
	}
	return "", false
}

type Validator struct {
	limits Limits
}

func NewValidator(limits Limits) *Validator {
	return &Validator{limits: limits}
}

func (v *Validator) Limits() Limits {
	return v.limits
}

// ValidateBeforeUpload rejects a payload by declared size and type before any byte is stored.
func (v *Validator) ValidateBeforeUpload(size int64, mimeType string) (model.AttachmentType, error) {
	kind, ok := Classify(mimeType)
	if !ok {
		return "", errs.Validation("unsupported media type %q", mimeType)
	}
	if size <= 0 {
		return "", errs.Validation("empty %s payload", kind)
	}
	if limit := v.limits.MaxBytes(kind); size > limit {
		return "", errs.Validation("%s is %d bytes, limit is %d", kind, size, limit)
	}
	return kind, nil
}

// ValidatePayload re-validates the assembled bytes: the real size against the ceiling and the
// sniffed type against the declared one. It returns the MIME type to store.
func (v *Validator) ValidatePayload(data []byte, declared string) (model.AttachmentType, string, error) {
	kind, err := v.ValidateBeforeUpload(int64(len(data)), declared)
	if err != nil {
		return "", "", err
	}

	sniffed := BaseType(mimetype.Detect(data).String())
	if sniffed == "application/octet-stream" || sniffed == "text/plain" {
		// 无法识别时信任声明的类型，只要大类是文档
		if kind != model.AttachmentDocument {
			return "", "", errs.Validation("content is not a valid %s", kind)
		}
		return kind, BaseType(declared), nil
	}

	sniffedKind, ok := Classify(sniffed)
	if !ok {
		return "", "", errs.Validation("unsupported content type %q", sniffed)
	}
	if sniffedKind != kind && !containerAmbiguity(kind, sniffedKind) {
		return "", "", errs.Validation("content is %s, declared %s", sniffed, BaseType(declared))
	}
	if sniffedKind != kind {
		return kind, BaseType(declared), nil
	}
	return kind, sniffed, nil
}

// mp4/webm/ogg containers hold audio or video and sniff as either
func containerAmbiguity(a, b model.AttachmentType) bool {
	av := func(t model.AttachmentType) bool {
		return t == model.AttachmentAudio || t == model.AttachmentVideo
	}
	return av(a) && av(b)
}
