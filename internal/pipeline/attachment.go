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
)

// attachSubtitles handles TranscriptReady. The host asset may still be
// preparing when the transcript lands, so the workflow polls: each not-ready
// observation durably sleeps the cooldown, then re-emits TranscriptReady
// with PollCycles+1 and completes. The follow-up delivery starts a fresh
// run whose asset fetch is not memoized, giving one status check per cycle
// and a hard bound of PollLimit cycles overall.
func (p *Pipeline) attachSubtitles(ctx context.Context, run *engine.Run) error {
	event, ok := run.Event().(bus.TranscriptReady)
	if !ok {
		return services.Wrap(services.ErrTerminal, WorkflowAttachment, "decode event",
			fmt.Sprintf("unexpected event %T", run.Event()), nil)
	}

	assetID, err := engine.Step(ctx, run, "load-resource", func(ctx context.Context) (string, error) {
		res, err := p.resources.GetResource(ctx, event.VideoResourceID)
		if errors.Is(err, store.ErrResourceNotFound) {
			return "", services.Wrap(services.ErrNotFound, WorkflowAttachment, "load resource", event.VideoResourceID, err)
		}
		if err != nil {
			return "", err
		}
		if res.HostAssetID == "" {
			return "", services.Wrap(services.ErrTerminal, WorkflowAttachment, "load resource",
				"resource has no host asset", nil)
		}
		return res.HostAssetID, nil
	})
	if err != nil {
		return err
	}

	asset, err := engine.Step(ctx, run, "fetch-asset", func(ctx context.Context) (videohost.Asset, error) {
		return p.host.GetAsset(ctx, assetID)
	})
	if err != nil {
		return err
	}

	switch {
	case asset.Status == videohost.StatusErrored:
		// Resource state stays pre-attachment; the transcript artifacts
		// remain available even though the host rejected the media.
		return services.Wrap(services.ErrTerminal, WorkflowAttachment, "asset errored", assetID, nil)

	case !asset.Ready():
		if event.PollCycles >= p.cfg.PollLimit {
			return services.Wrap(services.ErrTerminal, WorkflowAttachment, "gave up",
				fmt.Sprintf("asset %s not ready after %d checks", assetID, event.PollCycles+1), nil)
		}
		if err := run.Sleep(ctx, "cooldown", p.cfg.PollCooldown); err != nil {
			return err
		}
		next := event
		next.PollCycles++
		return run.Emit(ctx, "re-emit-transcript-ready", next)
	}

	_, err = engine.Step(ctx, run, "delete-existing-track", func(ctx context.Context) (string, error) {
		if asset.SubtitleTrackID == "" {
			return "", nil
		}
		if err := p.host.DeleteSubtitleTrack(ctx, assetID, asset.SubtitleTrackID); err != nil {
			return "", err
		}
		return asset.SubtitleTrackID, nil
	})
	if err != nil {
		return err
	}

	trackID, err := engine.Step(ctx, run, "add-subtitle-track", func(ctx context.Context) (string, error) {
		return p.host.AddSubtitleTrack(ctx, assetID, p.subtitleURL(event.VideoResourceID), "English", "en")
	})
	if err != nil {
		return err
	}

	_, err = engine.Step(ctx, run, "confirm-attachment", func(ctx context.Context) (videohost.Asset, error) {
		confirmed, err := p.host.GetAsset(ctx, assetID)
		if err != nil {
			return videohost.Asset{}, err
		}
		if confirmed.SubtitleTrackID == "" {
			return videohost.Asset{}, services.Wrap(services.ErrTransient, WorkflowAttachment, "confirm attachment",
				fmt.Sprintf("track %s not visible on asset %s yet", trackID, assetID), nil)
		}
		return confirmed, nil
	})
	if err != nil {
		return err
	}

	_, err = engine.Step(ctx, run, "mark-attached", func(ctx context.Context) (string, error) {
		err := p.resources.UpdateFields(ctx, event.VideoResourceID, map[string]any{
			"state": string(store.StateSubtitleAttached),
		})
		return string(store.StateSubtitleAttached), err
	})
	if err != nil {
		return err
	}

	return run.Emit(ctx, "emit-video-processed", bus.VideoProcessed{
		VideoResourceID: event.VideoResourceID,
	})
}
