package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"reelpipe/internal/bus"
	"reelpipe/internal/engine"
	"reelpipe/internal/services"
	"reelpipe/internal/services/videohost"
	"reelpipe/internal/store"
)

// ingest handles AssetUploaded: create the content resource, register the
// media with the video host, and kick off the transcription job.
func (p *Pipeline) ingest(ctx context.Context, run *engine.Run) error {
	event, ok := run.Event().(bus.AssetUploaded)
	if !ok {
		return services.Wrap(services.ErrTerminal, WorkflowIngestion, "decode event",
			fmt.Sprintf("unexpected event %T", run.Event()), nil)
	}

	resourceID, err := engine.Step(ctx, run, "create-resource", func(ctx context.Context) (string, error) {
		id := ResourceIDFromFile(event.FileName)
		now := time.Now()
		res := &store.Resource{
			ID:        id,
			Title:     titleFromFile(event.FileName),
			State:     store.StateProcessing,
			MediaURL:  event.MediaURL,
			CreatedAt: now,
			UpdatedAt: now,
		}
		// The filename-derived ID makes creation naturally idempotent:
		// a redelivered upload event lands on the existing row.
		if err := p.resources.CreateResource(ctx, res); err != nil && !errors.Is(err, store.ErrResourceExists) {
			return "", err
		}
		return id, nil
	})
	if err != nil {
		return err
	}

	_, err = engine.Step(ctx, run, "create-host-asset", func(ctx context.Context) (videohost.Asset, error) {
		asset, err := p.host.CreateAsset(ctx, event.MediaURL)
		if err != nil {
			return videohost.Asset{}, err
		}
		err = p.resources.UpdateFields(ctx, resourceID, map[string]any{
			"host_asset_id":    asset.ID,
			"host_playback_id": asset.PlaybackID,
			"state":            string(store.StateProcessing),
		})
		if err != nil {
			return videohost.Asset{}, err
		}
		return asset, nil
	})
	if err != nil {
		return err
	}

	_, err = engine.Step(ctx, run, "request-transcription", func(ctx context.Context) (string, error) {
		jobID, err := p.speech.RequestTranscription(ctx, event.MediaURL, p.callbackURL(resourceID))
		if err != nil {
			return "", err
		}
		err = p.resources.UpdateFields(ctx, resourceID, map[string]any{
			"state": string(store.StateTranscribing),
		})
		if err != nil {
			return "", err
		}
		return jobID, nil
	})
	return err
}

func ingestionKey(event bus.Event) string {
	if e, ok := event.(bus.AssetUploaded); ok {
		return ResourceIDFromFile(e.FileName)
	}
	return ""
}

// ResourceIDFromFile derives the stable resource identifier from an uploaded
// file name: base name without extension, lowercased, runs of non-alphanumeric
// characters collapsed to single dashes.
func ResourceIDFromFile(fileName string) string {
	base := path.Base(fileName)
	base = strings.TrimSuffix(base, path.Ext(base))

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(base) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func titleFromFile(fileName string) string {
	base := path.Base(fileName)
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.NewReplacer("-", " ", "_", " ", ".", " ").Replace(base)
	return strings.Join(strings.Fields(base), " ")
}
