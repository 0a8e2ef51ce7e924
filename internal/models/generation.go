package models

import "strings"

// InlineImage is a binary image payload carried inline with a request or a result.
type InlineImage struct {
	Data     []byte
	MimeType string
}

// GenerationRequest is a single chat turn submitted by the UI.
type GenerationRequest struct {
	Text          string
	Images        []InlineImage
	Model         string
	GenerateImage bool
}

// GenerationResult accumulates everything the provider produced for one request.
type GenerationResult struct {
	Text     string
	Images   []InlineImage
	// Degraded marks a stand-in reply produced when no credential succeeded.
	Degraded bool
}

// Empty reports whether neither text nor images were produced.
func (r GenerationResult) Empty() bool {
	return r.Text == "" && len(r.Images) == 0
}

// FragmentKind tags the variant held by a Fragment.
type FragmentKind int

const (
	TextFragment FragmentKind = iota + 1
	ImageFragment
)

// Fragment is one piece of provider output: either text or an inline image.
type Fragment struct {
	Kind  FragmentKind
	Text  string
	Image InlineImage
}

// NewTextFragment wraps a text delta.
func NewTextFragment(text string) Fragment {
	return Fragment{Kind: TextFragment, Text: text}
}

// NewImageFragment wraps decoded image bytes.
func NewImageFragment(data []byte, mimeType string) Fragment {
	return Fragment{Kind: ImageFragment, Image: InlineImage{Data: data, MimeType: mimeType}}
}

// Accumulator folds fragments into a GenerationResult preserving arrival order.
type Accumulator struct {
	text   strings.Builder
	images []InlineImage
}

func (a *Accumulator) Add(f Fragment) {
	switch f.Kind {
	case TextFragment:
		a.text.WriteString(f.Text)
	case ImageFragment:
		if len(f.Image.Data) > 0 {
			a.images = append(a.images, f.Image)
		}
	}
}

func (a *Accumulator) Result() GenerationResult {
	return GenerationResult{Text: a.text.String(), Images: a.images}
}

// Part is one element of a content payload sent to the provider.
type Part struct {
	Text   string
	Inline *InlineImage
}

// Content is an ordered, role-tagged list of parts.
type Content struct {
	Role  string
	Parts []Part
}

// Response modalities understood by image-capable models.
const (
	ModalityImage = "IMAGE"
	ModalityText  = "TEXT"
)

// GenerationConfig carries sampling parameters for one provider call.
type GenerationConfig struct {
	Temperature        float32
	TopP               float32
	TopK               int32
	MaxOutputTokens    int32
	ResponseModalities []string
}
