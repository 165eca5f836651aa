package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/l0p7/replyctrl/internal/message"
	"github.com/l0p7/replyctrl/internal/templates"
)

const defaultMaxPixels = 4096 * 4096

// Icon is the decoded form of an image reply.
type Icon struct {
	Format string
	Width  int
	Height int
	// Bytes is a private copy of the raw payload, ready to hand to a renderer.
	Bytes []byte
}

// ImageConfig configures an Image processor.
type ImageConfig struct {
	Name    string
	Request RequestSpec
	// Formats restricts accepted encodings (png, jpeg, gif). Empty accepts all.
	Formats []string
	// MaxPixels rejects images whose width*height exceeds it before decoding
	// pixel data.
	MaxPixels int
}

// Image decodes PNG, JPEG and GIF payloads into an Icon.
type Image struct {
	name      string
	request   *requestBuilder
	formats   map[string]struct{}
	maxPixels int
}

// NewImage validates cfg and compiles its request template.
func NewImage(cfg ImageConfig, renderer *templates.Renderer) (*Image, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("processor: image name required")
	}
	builder, err := newRequestBuilder(name, cfg.Request, renderer)
	if err != nil {
		return nil, err
	}
	formats := make(map[string]struct{}, len(cfg.Formats))
	for _, f := range cfg.Formats {
		f = strings.ToLower(strings.TrimSpace(f))
		switch f {
		case "":
			continue
		case "jpg":
			f = "jpeg"
		case "png", "jpeg", "gif":
		default:
			return nil, fmt.Errorf("processor %s: unsupported image format %q", name, f)
		}
		formats[f] = struct{}{}
	}
	maxPixels := cfg.MaxPixels
	if maxPixels <= 0 {
		maxPixels = defaultMaxPixels
	}
	return &Image{name: name, request: builder, formats: formats, maxPixels: maxPixels}, nil
}

func (p *Image) Name() string { return p.name }

func (p *Image) BuildDefaultRequest(identifier string) (*message.Request, error) {
	return p.request.build(identifier)
}

// Decode reads the image header, enforces the format and size limits, then
// decodes the pixel data to catch truncated payloads.
func (p *Image) Decode(ctx context.Context, reply *message.Reply) (any, error) {
	if err := checkReply(ctx, p.name, reply); err != nil {
		return nil, err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(reply.Payload))
	if err != nil {
		return nil, message.NewDecodeError(p.name, fmt.Errorf("read image header: %w", err))
	}
	if len(p.formats) > 0 {
		if _, ok := p.formats[format]; !ok {
			return nil, message.NewDecodeError(p.name, fmt.Errorf("image format %q not accepted", format))
		}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, message.NewDecodeError(p.name, fmt.Errorf("image has no pixels (%dx%d)", cfg.Width, cfg.Height))
	}
	if cfg.Width > p.maxPixels/cfg.Height {
		return nil, message.NewDecodeError(p.name, fmt.Errorf("image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, p.maxPixels))
	}
	if _, _, err := image.Decode(bytes.NewReader(reply.Payload)); err != nil {
		return nil, message.NewDecodeError(p.name, fmt.Errorf("decode %s: %w", format, err))
	}
	return Icon{
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
		Bytes:  append([]byte(nil), reply.Payload...),
	}, nil
}
