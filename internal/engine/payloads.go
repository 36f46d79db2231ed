package engine

import (
	"errors"

	"github.com/hidarameen/Hodhod/internal/storage"
	"github.com/hidarameen/Hodhod/internal/transport"
)

// Job payloads are tagged per type and validated at enqueue time, so a
// worker never has to guess what a raw payload means.

// ForwardPayload carries items delivered without model generation; only
// deterministic rules apply.
type ForwardPayload struct {
	Items []transport.Item `json:"items"`
}

func (ForwardPayload) JobType() storage.JobType { return storage.JobForward }

func (p ForwardPayload) Validate() error {
	if len(p.Items) == 0 {
		return errors.New("forward: no items")
	}
	return nil
}

// TransformPayload carries items through the full pipeline.
type TransformPayload struct {
	Items []transport.Item `json:"items"`
}

func (TransformPayload) JobType() storage.JobType { return storage.JobTransform }

func (p TransformPayload) Validate() error {
	if len(p.Items) == 0 {
		return errors.New("transform: no items")
	}
	return nil
}

// HeavyMediaPayload carries one item whose media needs out-of-process
// work (download, probe, recompress) before dispatch.
type HeavyMediaPayload struct {
	Item transport.Item `json:"item"`
}

func (HeavyMediaPayload) JobType() storage.JobType { return storage.JobHeavyMedia }

func (p HeavyMediaPayload) Validate() error {
	if p.Item.MediaRef == "" {
		return errors.New("heavy media: missing media ref")
	}
	if !p.Item.IsHeavy() {
		return errors.New("heavy media: item kind is not heavy")
	}
	return nil
}
