package render

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"image"
	"image/color"
	"sync/atomic"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"
)

// LocalEngine synthesizes deterministic raster output without an external
// browser. Output bytes are a pure function of the request, which makes the
// local engine suitable for dev deployments and for exercising the cache.
type LocalEngine struct{}

func NewLocalEngine() *LocalEngine {
	return &LocalEngine{}
}

func (e *LocalEngine) NewHandle(_ context.Context) (Handle, error) {
	return &localHandle{}, nil
}

// closed is atomic: the pool watchdog may close a handle while a render is
// still running on it.
type localHandle struct {
	closed atomic.Bool
}

func (h *localHandle) Render(ctx context.Context, req Request) ([]byte, error) {
	if h.closed.Load() {
		return nil, fmt.Errorf("%w: handle closed", ErrEngine)
	}
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout
	}

	opts := req.Options.withDefaults()
	height := opts.Height
	if opts.FullPage {
		// Pretend the document overflows the viewport.
		height *= 2
	}

	src := patternFor(req.Content)
	dst := image.NewRGBA(image.Rect(0, 0, opts.Width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)

	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout
	}
	if h.closed.Load() {
		return nil, fmt.Errorf("%w: handle closed", ErrEngine)
	}

	switch opts.Format {
	case FormatPNG:
		buf := &bytes.Buffer{}
		if err := imaging.Encode(buf, dst, imaging.PNG); err != nil {
			return nil, fmt.Errorf("%w: encode png: %v", ErrEngine, err)
		}
		return buf.Bytes(), nil
	case FormatPDF:
		jpg := &bytes.Buffer{}
		if err := imaging.Encode(jpg, dst, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
			return nil, fmt.Errorf("%w: encode pdf image: %v", ErrEngine, err)
		}
		return jpegToPDF(jpg.Bytes(), opts.Width, height), nil
	default:
		buf := &bytes.Buffer{}
		if err := imaging.Encode(buf, dst, imaging.JPEG, imaging.JPEGQuality(opts.Quality)); err != nil {
			return nil, fmt.Errorf("%w: encode jpeg: %v", ErrEngine, err)
		}
		return buf.Bytes(), nil
	}
}

func (h *localHandle) Close() error {
	h.closed.Store(true)
	return nil
}

// patternFor builds a small color grid derived from the content hash so that
// distinct documents produce visibly distinct output.
func patternFor(content string) image.Image {
	sum := sha256.Sum256([]byte(content))
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			i := y*8 + x
			img.Set(x, y, color.RGBA{
				R: sum[i%len(sum)],
				G: sum[(i+11)%len(sum)],
				B: sum[(i+23)%len(sum)],
				A: 255,
			})
		}
	}
	return img
}
