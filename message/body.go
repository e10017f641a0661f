////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package message

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the payload kind carried by a message body.
type Kind uint16

const (
	// TextKind denotes a body that only contains text.
	TextKind Kind = 1

	// ImageKind denotes a body referencing an uploaded image.
	ImageKind Kind = 2

	// FileKind denotes a body referencing an uploaded file.
	FileKind Kind = 3

	// VideoKind denotes a body referencing an uploaded video.
	VideoKind Kind = 4

	// AudioKind denotes a body referencing an uploaded audio clip.
	AudioKind Kind = 5
)

func (k Kind) String() string {
	switch k {
	case TextKind:
		return "text"
	case ImageKind:
		return "image"
	case FileKind:
		return "file"
	case VideoKind:
		return "video"
	case AudioKind:
		return "audio"
	default:
		return "Unknown kind " + strconv.Itoa(int(k))
	}
}

// IsMedia returns true for every kind that references an uploaded object.
func (k Kind) IsMedia() bool {
	return k == ImageKind || k == FileKind || k == VideoKind || k == AudioKind
}

// Error messages.
var (
	ErrEmptyBody    = errors.New("message body has no payload")
	ErrMixedBody    = errors.New("message body carries more than one payload kind")
	ErrUnknownKind  = errors.New("message body has an unknown payload kind")
	ErrMissingMedia = errors.New("media body has no reference")
)

// Body is the payload of a message. Exactly one of Text or Ref is used,
// selected by Kind. Media references point at objects owned by the upload
// service; the core never dereferences them.
type Body struct {
	Kind Kind   `json:"kind"`
	Text string `json:"text,omitempty"`

	// Ref is the upload reference (URL or object key) for media kinds.
	Ref string `json:"ref,omitempty"`

	// FileName is the display name of a file body.
	FileName string `json:"fileName,omitempty"`
}

// NewText builds a text body.
func NewText(text string) Body {
	return Body{Kind: TextKind, Text: text}
}

// NewMedia builds a media body of the given kind.
func NewMedia(kind Kind, ref, fileName string) Body {
	return Body{Kind: kind, Ref: ref, FileName: fileName}
}

// Validate checks that the body carries exactly one payload kind.
func (b Body) Validate() error {
	switch {
	case b.Kind == TextKind:
		if strings.TrimSpace(b.Text) == "" {
			return ErrEmptyBody
		}
		if b.Ref != "" {
			return ErrMixedBody
		}
	case b.Kind.IsMedia():
		if b.Ref == "" {
			return ErrMissingMedia
		}
		if b.Text != "" {
			return ErrMixedBody
		}
	case b.Kind == 0:
		return ErrEmptyBody
	default:
		return errors.WithMessagef(ErrUnknownKind, "kind %d", b.Kind)
	}
	return nil
}
