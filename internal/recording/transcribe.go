package recording

import (
	"context"
	"fmt"
	"strings"

	"github.com/yegors/callscribe/internal/ai"
	"github.com/yegors/callscribe/internal/storage/sqlite"
	"github.com/yegors/callscribe/internal/transcription"
	"github.com/yegors/callscribe/internal/websocket"
	"github.com/yegors/callscribe/pkg/logger"
)

const speakerLabelSystemPrompt = `You are a transcript formatter for recorded calls. ` +
	`You receive a raw transcript with time-aligned segments and must rewrite it as a dialogue, ` +
	`attributing each turn to a speaker. Use the speakers' names if they are mentioned in the ` +
	`conversation, otherwise use "Speaker 1", "Speaker 2" and so on. Keep the original wording ` +
	`and language of the transcript. Output only the formatted dialogue, one "Name: text" line ` +
	`per turn, with no commentary.`

// TranscribeRecording re-runs transcription for a stored recording.
// The heavy work happens in the background; the call returns once the
// recording has been validated and the job queued.
func (s *Service) TranscribeRecording(id int64) error {
	if s.transcriber == nil {
		return fmt.Errorf("transcription is not configured")
	}

	rec, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if len(rec.Audio) == 0 {
		return fmt.Errorf("recording %d has no audio", id)
	}

	audio := make([]byte, len(rec.Audio))
	copy(audio, rec.Audio)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.transcribeAndLabel(id, audio, rec.MIMEType)
	}()
	return nil
}

// transcribeAndLabel runs the enrichment pipeline for one recording.
// Failures are recorded on the row and broadcast, never fatal.
func (s *Service) transcribeAndLabel(id int64, audio []byte, mimeType string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	result, err := s.transcriber.Transcribe(ctx, audio, mimeType)
	if err != nil {
		s.logger.Error("Transcription failed",
			logger.Int64("recording_id", id),
			logger.Error(err))
		s.markTranscriptionFailed(id, err)
		return
	}

	text := strings.TrimSpace(result.Text)
	processed := true
	noError := ""
	update := &sqlite.RecordingUpdate{
		Transcription:         &text,
		TranscriptionLanguage: &result.Language,
		TranscriptionDuration: &result.Duration,
		Segments:              result.Segments,
		Processed:             &processed,
		TranscriptionError:    &noError,
	}

	s.mu.Lock()
	wantLabels := s.current.SpeakerLabels
	s.mu.Unlock()

	if wantLabels && s.completer != nil && text != "" {
		formatted, err := s.labelSpeakers(ctx, result)
		if err != nil {
			s.logger.Warn("Speaker labeling failed, keeping raw transcription",
				logger.Int64("recording_id", id),
				logger.Error(err))
		} else {
			update.TranscriptionFormatted = &formatted
		}
	}

	if _, err := s.store.Update(id, update); err != nil {
		s.logger.Error("Failed to store transcription",
			logger.Int64("recording_id", id),
			logger.Error(err))
		return
	}

	s.logger.Info("Recording transcribed",
		logger.Int64("recording_id", id),
		logger.String("language", result.Language),
		logger.Int("segments", len(result.Segments)))

	s.broadcast(websocket.MessageTypeTranscriptionComplete, map[string]any{
		"id":       id,
		"language": result.Language,
		"segments": len(result.Segments),
	})
}

func (s *Service) markTranscriptionFailed(id int64, cause error) {
	msg := cause.Error()
	if _, err := s.store.Update(id, &sqlite.RecordingUpdate{TranscriptionError: &msg}); err != nil {
		s.logger.Error("Failed to record transcription error",
			logger.Int64("recording_id", id),
			logger.Error(err))
	}
	s.broadcast(websocket.MessageTypeTranscriptionFailed, map[string]any{
		"id":    id,
		"error": msg,
	})
}

// labelSpeakers asks the completion provider to split the transcript
// into speaker turns
func (s *Service) labelSpeakers(ctx context.Context, result *transcription.Result) (string, error) {
	resp, err := s.completer.Complete(ctx, []ai.Message{
		{Role: "system", Content: speakerLabelSystemPrompt},
		{Role: "user", Content: buildSpeakerPrompt(result)},
	}, ai.CompletionConfig{
		Model:       s.completion.Model,
		Temperature: s.completion.Temperature,
		MaxTokens:   s.completion.MaxTokens,
	})
	if err != nil {
		return "", err
	}

	formatted := strings.TrimSpace(resp.Text)
	if formatted == "" {
		return "", fmt.Errorf("empty labeling response")
	}
	return formatted, nil
}

// buildSpeakerPrompt renders the transcript with per-segment
// timestamps so the model can use pauses to find turn boundaries
func buildSpeakerPrompt(result *transcription.Result) string {
	var sb strings.Builder
	sb.WriteString("Transcript segments:\n\n")
	if len(result.Segments) == 0 {
		sb.WriteString(result.Text)
		return sb.String()
	}
	for _, seg := range result.Segments {
		fmt.Fprintf(&sb, "[%.1fs-%.1fs] %s\n", seg.Start, seg.End, strings.TrimSpace(seg.Text))
	}
	return sb.String()
}
