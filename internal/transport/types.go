// Package transport defines the messaging-platform boundary: inbound items
// delivered by the platform and the minimal send/download surface the core
// needs. Concrete adapters live in subpackages.
package transport

import (
	"context"
	"time"
)

type MediaKind string

const (
	MediaNone     MediaKind = ""
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// Item is one inbound content event. Members of a multi-part post arrive as
// separate Items sharing a non-empty GroupKey; the platform gives no
// "group closed" signal, so reassembly is time-based downstream.
type Item struct {
	MessageID    int
	SourceChatID int64
	GroupKey     string
	Text         string // message text or media caption
	MediaRef     string // platform file id, empty for text-only items
	Kind         MediaKind
	ReceivedAt   time.Time
}

// IsHeavy reports whether the item needs out-of-process media work before
// it can be dispatched.
func (it Item) IsHeavy() bool {
	return it.Kind == MediaVideo || it.Kind == MediaAudio
}

type Destination struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// MediaFile is outbound media, either re-sent by platform ref or uploaded
// from a local path (exactly one of Ref/Path should be set).
type MediaFile struct {
	Kind MediaKind
	Ref  string
	Path string
	// Thumb is a local poster-frame path for video uploads; optional.
	Thumb string
}

type Adapter interface {
	// Start begins delivering inbound items on out until Stop or ctx done.
	Start(ctx context.Context, out chan<- Item) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to Destination, text string, opt *SendOptions) (MessageRef, error)
	// SendMedia sends one or more media files as a single post (an album
	// when len(media) > 1) with a shared caption.
	SendMedia(ctx context.Context, to Destination, media []MediaFile, caption string, opt *SendOptions) (MessageRef, error)
	// Download fetches the platform file behind ref to a local path.
	Download(ctx context.Context, ref string) (string, error)
}
