package pipeline

import (
	"context"
	"errors"
	"fmt"

	"reelpipe/internal/bus"
	"reelpipe/internal/engine"
	"reelpipe/internal/services"
	"reelpipe/internal/services/videohost"
	"reelpipe/internal/store"
	"reelpipe/internal/transcript"
)

// enrich handles VideoProcessed: interleave frame-grab markers into the
// paragraph transcript and persist the enriched rendering.
func (p *Pipeline) enrich(ctx context.Context, run *engine.Run) error {
	event, ok := run.Event().(bus.VideoProcessed)
	if !ok {
		return services.Wrap(services.ErrTerminal, WorkflowEnrichment, "decode event",
			fmt.Sprintf("unexpected event %T", run.Event()), nil)
	}

	_, err := engine.Step(ctx, run, "enrich-transcript", func(ctx context.Context) (string, error) {
		res, err := p.resources.GetResource(ctx, event.VideoResourceID)
		if errors.Is(err, store.ErrResourceNotFound) {
			return "", services.Wrap(services.ErrNotFound, WorkflowEnrichment, "load resource", event.VideoResourceID, err)
		}
		if err != nil {
			return "", err
		}

		enriched := res.Transcript
		if res.HostPlaybackID != "" {
			enriched = transcript.WithScreenshots(res.Transcript, func(seconds float64) string {
				return videohost.ThumbnailURL(p.cfg.HostBaseURL, res.HostPlaybackID, seconds)
			})
		}

		err = p.resources.UpdateFields(ctx, event.VideoResourceID, map[string]any{
			"transcript_with_screenshots": enriched,
			"state":                       string(store.StateEnriched),
		})
		if err != nil {
			return "", err
		}
		return enriched, nil
	})
	return err
}
