package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"go-dm-relay/internal/model"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"
)

// Result is what a processor hands to the uploader.
type Result struct {
	Data      []byte
	MimeType  string
	Extension string
	// Thumbnail is mandatory for images and empty for everything else.
	Thumbnail []byte
	Metadata  map[string]any
	// Deferred marks payloads stored as-is and queued for an external transcode worker.
	Deferred bool
}

type Processor interface {
	Process(ctx context.Context, data []byte, mimeType string) (*Result, error)
}

var ErrThumbnailTooLarge = errors.New("thumbnail does not fit the size cap")

// Processors dispatches by attachment type.
type Processors struct {
	byType map[model.AttachmentType]Processor
}

func NewProcessors(limits Limits) *Processors {
	passthrough := PassthroughProcessor{}
	return &Processors{byType: map[model.AttachmentType]Processor{
		model.AttachmentImage:    NewImageProcessor(limits),
		model.AttachmentVideo:    PassthroughProcessor{Defer: true},
		model.AttachmentAudio:    PassthroughProcessor{Defer: true},
		model.AttachmentDocument: passthrough,
	}}
}

// Set replaces the processor for one type.
func (p *Processors) Set(t model.AttachmentType, proc Processor) {
	p.byType[t] = proc
}

func (p *Processors) For(t model.AttachmentType) (Processor, error) {
	proc, ok := p.byType[t]
	if !ok {
		return nil, fmt.Errorf("no processor for %s", t)
	}
	return proc, nil
}

// ImageProcessor re-encodes images, which drops EXIF and other metadata, shrinks anything
// above the compress threshold or the dimension cap, and always produces a thumbnail.
type ImageProcessor struct {
	limits Limits
}

func NewImageProcessor(limits Limits) *ImageProcessor {
	return &ImageProcessor{limits: limits}
}

func (p *ImageProcessor) Process(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	thumb, err := GenerateThumbnail(img, p.limits.ThumbnailMaxBytes)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	res := &Result{
		Thumbnail: thumb,
		Metadata: map[string]any{
			"width":  bounds.Dx(),
			"height": bounds.Dy(),
		},
	}

	// GIF 保持原样，重新编码会丢失动画
	if BaseType(mimeType) == "image/gif" {
		res.Data, res.MimeType, res.Extension = data, "image/gif", ".gif"
		return res, nil
	}

	maxDim := p.limits.ImageMaxDimension
	if int64(len(data)) > p.limits.ImageCompressBytes || bounds.Dx() > maxDim || bounds.Dy() > maxDim {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
		res.Metadata["width"] = img.Bounds().Dx()
		res.Metadata["height"] = img.Bounds().Dy()
		res.Metadata["resized"] = true
	}

	var buf bytes.Buffer
	if BaseType(mimeType) == "image/png" {
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
		res.MimeType, res.Extension = "image/png", ".png"
	} else {
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85))
		res.MimeType, res.Extension = "image/jpeg", ".jpg"
	}
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	res.Data = buf.Bytes()
	return res, nil
}

var thumbnailSteps = []struct {
	size    int
	quality int
}{
	{320, 70}, {320, 50}, {240, 50}, {160, 50}, {160, 35}, {96, 35}, {64, 30}, {32, 30},
}

// GenerateThumbnail shrinks img to a JPEG no larger than maxBytes, trading size for quality
// step by step.
func GenerateThumbnail(img image.Image, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultLimits().ThumbnailMaxBytes
	}
	var buf bytes.Buffer
	for _, step := range thumbnailSteps {
		buf.Reset()
		thumb := imaging.Fit(img, step.size, step.size, imaging.Lanczos)
		if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(step.quality)); err != nil {
			return nil, fmt.Errorf("encode thumbnail: %w", err)
		}
		if buf.Len() <= maxBytes {
			return append([]byte(nil), buf.Bytes()...), nil
		}
	}
	return nil, ErrThumbnailTooLarge
}

// ThumbnailFromBytes decodes an encoded image and thumbnails it.
func ThumbnailFromBytes(data []byte, maxBytes int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return GenerateThumbnail(img, maxBytes)
}

// PassthroughProcessor stores bytes unchanged. With Defer set the payload is flagged for
// the external transcode worker (video previews, audio normalisation).
type PassthroughProcessor struct {
	Defer bool
}

func (p PassthroughProcessor) Process(_ context.Context, data []byte, mimeType string) (*Result, error) {
	base := BaseType(mimeType)
	return &Result{
		Data:      data,
		MimeType:  base,
		Extension: extensionFor(base),
		Metadata:  map[string]any{},
		Deferred:  p.Defer,
	}, nil
}

func extensionFor(mimeType string) string {
	if m := mimetype.Lookup(mimeType); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ".bin"
}
