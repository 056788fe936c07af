package render

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Format names accepted by the service.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatPDF  = "pdf"
)

const (
	DefaultWidth   = 800
	DefaultHeight  = 600
	DefaultQuality = 80
	DefaultFormat  = FormatJPEG

	MaxDimension = 4000
)

// Options are the recognized render parameters. Zero values are filled with
// defaults before validation so that explicit defaults and absent fields
// fingerprint identically.
type Options struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Quality  int    `json:"quality"`
	Format   string `json:"format"`
	FullPage bool   `json:"full_page"`
}

// ValidationError describes rejected input. It is surfaced as a 400 and never
// reaches the pool or the cache.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// withDefaults fills unset fields with the documented defaults.
func (o Options) withDefaults() Options {
	if o.Width == 0 {
		o.Width = DefaultWidth
	}
	if o.Height == 0 {
		o.Height = DefaultHeight
	}
	if o.Quality == 0 {
		o.Quality = DefaultQuality
	}
	if o.Format == "" {
		o.Format = DefaultFormat
	}
	return o
}

// normalized canonicalizes an already-validated option set so that
// semantically identical requests hash identically. Quality is meaningless
// for non-lossy formats and is zeroed out of the fingerprint input.
func (o Options) normalized() Options {
	o = o.withDefaults()
	if o.Format != FormatJPEG {
		o.Quality = 0
	}
	return o
}

func (o Options) validate() error {
	switch o.Format {
	case FormatJPEG, FormatPNG, FormatPDF:
	default:
		return &ValidationError{Field: "format", Reason: fmt.Sprintf("unsupported format %q", o.Format)}
	}
	if o.Width < 1 || o.Width > MaxDimension {
		return &ValidationError{Field: "width", Reason: fmt.Sprintf("must be between 1 and %d", MaxDimension)}
	}
	if o.Height < 1 || o.Height > MaxDimension {
		return &ValidationError{Field: "height", Reason: fmt.Sprintf("must be between 1 and %d", MaxDimension)}
	}
	if o.Quality < 1 || o.Quality > 100 {
		return &ValidationError{Field: "quality", Reason: "must be between 1 and 100"}
	}
	return nil
}

// Request is an immutable render request with a precomputed fingerprint.
type Request struct {
	Content     string
	Options     Options
	fingerprint string
}

// NewRequest applies defaults, validates the options, and derives the
// content-addressed fingerprint. Identical content plus semantically
// identical options always produce the same fingerprint.
func NewRequest(content string, opts Options) (Request, error) {
	if content == "" {
		return Request{}, &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return Request{}, err
	}
	norm := opts.normalized()
	h := sha256.New()
	fmt.Fprintf(h, "w=%d;h=%d;q=%d;f=%s;full=%t;", norm.Width, norm.Height, norm.Quality, norm.Format, norm.FullPage)
	h.Write([]byte(content))
	return Request{
		Content:     content,
		Options:     opts,
		fingerprint: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Fingerprint returns the deterministic cache key for this request.
func (r Request) Fingerprint() string {
	return r.fingerprint
}

// ContentTypeFor maps a validated format to its HTTP content type.
func ContentTypeFor(format string) string {
	switch format {
	case FormatPNG:
		return "image/png"
	case FormatPDF:
		return "application/pdf"
	default:
		return "image/jpeg"
	}
}
