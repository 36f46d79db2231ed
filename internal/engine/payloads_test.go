package engine

import (
	"strings"
	"testing"

	"github.com/hidarameen/Hodhod/internal/transport"
)

func TestPayloadValidation(t *testing.T) {
	t.Parallel()
	items := []transport.Item{{MessageID: 1, Text: "x"}}

	if err := (ForwardPayload{Items: items}).Validate(); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if err := (ForwardPayload{}).Validate(); err == nil {
		t.Fatal("empty forward payload should fail")
	}
	if err := (TransformPayload{}).Validate(); err == nil {
		t.Fatal("empty transform payload should fail")
	}

	heavy := transport.Item{MediaRef: "ref", Kind: transport.MediaVideo}
	if err := (HeavyMediaPayload{Item: heavy}).Validate(); err != nil {
		t.Fatalf("heavy: %v", err)
	}
	if err := (HeavyMediaPayload{Item: transport.Item{Kind: transport.MediaVideo}}).Validate(); err == nil {
		t.Fatal("heavy payload without ref should fail")
	}
	if err := (HeavyMediaPayload{Item: transport.Item{MediaRef: "r", Kind: transport.MediaPhoto}}).Validate(); err == nil {
		t.Fatal("photo is not a heavy kind")
	}
}

func TestCombineText(t *testing.T) {
	t.Parallel()
	items := []transport.Item{
		{Text: "first"},
		{Text: "  "},
		{Text: "second"},
	}
	got := combineText(items)
	if got != "first\n\nsecond" {
		t.Fatalf("combineText = %q", got)
	}
}

func TestLightMediaSkipsHeavyAndEmpty(t *testing.T) {
	t.Parallel()
	items := []transport.Item{
		{MediaRef: "p1", Kind: transport.MediaPhoto},
		{MediaRef: "v1", Kind: transport.MediaVideo},
		{Text: "no media"},
		{MediaRef: "d1", Kind: transport.MediaDocument},
	}
	files := lightMedia(items)
	if len(files) != 2 || files[0].Ref != "p1" || files[1].Ref != "d1" {
		t.Fatalf("lightMedia = %+v", files)
	}
}

func TestSourceRef(t *testing.T) {
	t.Parallel()
	items := []transport.Item{{SourceChatID: -100, MessageID: 42}}
	if got := sourceRef(items); got != "-100:42" {
		t.Fatalf("sourceRef = %q", got)
	}
	if got := sourceRef(nil); got != "" {
		t.Fatalf("sourceRef(nil) = %q", got)
	}
}

func TestPageTitle(t *testing.T) {
	t.Parallel()
	if got := pageTitle("headline\nbody follows", "fb"); got != "headline" {
		t.Fatalf("pageTitle = %q", got)
	}
	if got := pageTitle("   \nbody", "fb"); got != "fb" {
		t.Fatalf("pageTitle fallback = %q", got)
	}
	long := strings.Repeat("x", 200)
	if got := pageTitle(long, "fb"); len([]rune(got)) != 80 {
		t.Fatalf("pageTitle length = %d, want 80", len([]rune(got)))
	}
}
