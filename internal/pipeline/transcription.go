package pipeline

import (
	"context"
	"errors"
	"fmt"

	"reelpipe/internal/bus"
	"reelpipe/internal/engine"
	"reelpipe/internal/services"
	"reelpipe/internal/store"
	"reelpipe/internal/transcript"
)

// subtitleArtifacts is the set of rendered transcript artifacts persisted on
// a resource. Immutable once written; a re-transcription replaces the whole
// set in one update.
type subtitleArtifacts struct {
	SRT     string
	WordSRT string
	Text    string
}

// receiveTranscription handles TranscriptionReceived: render the three
// transcript artifacts, persist them, and announce TranscriptReady.
func (p *Pipeline) receiveTranscription(ctx context.Context, run *engine.Run) error {
	event, ok := run.Event().(bus.TranscriptionReceived)
	if !ok {
		return services.Wrap(services.ErrTerminal, WorkflowTranscription, "decode event",
			fmt.Sprintf("unexpected event %T", run.Event()), nil)
	}

	_, err := engine.Step(ctx, run, "load-resource", func(ctx context.Context) (string, error) {
		res, err := p.resources.GetResource(ctx, event.VideoResourceID)
		if errors.Is(err, store.ErrResourceNotFound) {
			return "", services.Wrap(services.ErrNotFound, WorkflowTranscription, "load resource", event.VideoResourceID, err)
		}
		if err != nil {
			return "", err
		}
		return res.ID, nil
	})
	if err != nil {
		return err
	}

	art, err := engine.Step(ctx, run, "format-and-persist", func(ctx context.Context) (subtitleArtifacts, error) {
		art := subtitleArtifacts{
			SRT:     transcript.SRT(event.Result),
			WordSRT: transcript.WordSRT(event.Result),
			Text:    transcript.Text(event.Result),
		}
		err := p.resources.UpdateFields(ctx, event.VideoResourceID, map[string]any{
			"transcript":     art.Text,
			"srt":            art.SRT,
			"word_level_srt": art.WordSRT,
			"state":          string(store.StateTranscriptReady),
		})
		if err != nil {
			return subtitleArtifacts{}, err
		}
		return art, nil
	})
	if err != nil {
		return err
	}

	return run.Emit(ctx, "emit-transcript-ready", bus.TranscriptReady{
		VideoResourceID: event.VideoResourceID,
		SubtitleText:    art.SRT,
		WordLevelText:   art.WordSRT,
	})
}
