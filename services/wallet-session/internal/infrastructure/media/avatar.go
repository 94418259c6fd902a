package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/disintegration/imaging"
)

// Prepared is an upload body ready to send
type Prepared struct {
	Data     []byte
	Mimetype string
	Width    int
	Height   int
	Resized  bool
}

// AvatarProcessor shrinks oversized avatar images before upload. Files that
// are not a decodable image pass through untouched.
type AvatarProcessor struct {
	maxDim  int
	quality int
	maxSize int64
}

func NewAvatarProcessor(maxDim int, maxSize int64) *AvatarProcessor {
	if maxDim <= 0 {
		maxDim = 512
	}
	return &AvatarProcessor{maxDim: maxDim, quality: 85, maxSize: maxSize}
}

// Prepare reads r fully and downscales it to fit maxDim x maxDim when it is a
// PNG, JPEG or GIF larger than that.
func (p *AvatarProcessor) Prepare(ctx context.Context, r io.Reader) (*Prepared, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src := r
	if p.maxSize > 0 {
		src = io.LimitReader(r, p.maxSize+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if p.maxSize > 0 && int64(len(data)) > p.maxSize {
		return nil, fmt.Errorf("upload exceeds %d bytes", p.maxSize)
	}

	mimetype := http.DetectContentType(data)
	format, ok := formatFor(mimetype)
	if !ok {
		return &Prepared{Data: data, Mimetype: mimetype}, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return &Prepared{Data: data, Mimetype: mimetype}, nil
	}
	bounds := img.Bounds()
	if bounds.Dx() <= p.maxDim && bounds.Dy() <= p.maxDim {
		return &Prepared{Data: data, Mimetype: mimetype, Width: bounds.Dx(), Height: bounds.Dy()}, nil
	}

	thumb := imaging.Fit(img, p.maxDim, p.maxDim, imaging.Lanczos)
	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, thumb, format, imaging.JPEGQuality(p.quality)); err != nil {
		return nil, fmt.Errorf("failed to encode avatar: %w", err)
	}
	tb := thumb.Bounds()
	return &Prepared{
		Data:     buf.Bytes(),
		Mimetype: mimetype,
		Width:    tb.Dx(),
		Height:   tb.Dy(),
		Resized:  true,
	}, nil
}

func formatFor(mimetype string) (imaging.Format, bool) {
	switch mimetype {
	case "image/jpeg":
		return imaging.JPEG, true
	case "image/png":
		return imaging.PNG, true
	case "image/gif":
		return imaging.GIF, true
	}
	return 0, false
}

// PrepareAvatar returns the prepared bytes as a reader for the uploader
func (p *AvatarProcessor) PrepareAvatar(ctx context.Context, r io.Reader) (io.Reader, error) {
	out, err := p.Prepare(ctx, r)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(out.Data), nil
}
