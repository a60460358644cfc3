package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/MrWong99/mathvox/internal/auth"
	"github.com/MrWong99/mathvox/internal/history"
	"github.com/MrWong99/mathvox/internal/observe"
	"github.com/MrWong99/mathvox/internal/tutor"
	"github.com/MrWong99/mathvox/pkg/audio/playback"
	"github.com/MrWong99/mathvox/pkg/provider/tts"
)

// answer runs one message turn: the microphone is paused, the answer is
// streamed, shown and spoken sentence by sentence, the exchange is
// recorded, and the microphone resumes once playback has drained.
func (s *Session) answer(ctx context.Context, req turnRequest) (err error) {
	ctx, span := observe.StartSpan(ctx, "session.turn")
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(ctx)

	s.pauseCapture()
	defer s.resumeCapture()

	s.obs.userMessage(req.text)

	body, err := s.cfg.Chat.Chat(ctx, tutor.ChatRequest{
		SessionID: s.ID(),
		Message:   req.text,
		Image:     req.image,
	})
	if err != nil {
		return fmt.Errorf("session: chat: %w", err)
	}
	defer body.Close()

	messageID := uuid.NewString()
	speak := s.speech.Load()
	var (
		text       strings.Builder
		segmentIDs []string
	)
	err = tutor.Sentences(body, func(sentence string) error {
		text.WriteString(sentence)
		s.obs.sentence(messageID, sentence)
		if !speak || utf8.RuneCountInString(strings.TrimSpace(sentence)) < s.cfg.MinSentenceLength {
			return nil
		}
		id := fmt.Sprintf("%s_%d", messageID, len(segmentIDs))
		ok, err := s.speakSentence(ctx, id, len(segmentIDs), sentence)
		if ok {
			segmentIDs = append(segmentIDs, id)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("session: answer: %w", err)
	}

	a := Answer{
		MessageID:  messageID,
		Question:   req.text,
		Text:       text.String(),
		SegmentIDs: segmentIDs,
	}
	s.obs.answer(a)
	s.cfg.History.Submit(history.Record{
		SessionID:   s.ID(),
		UserID:      s.cfg.UserID,
		UserMessage: a.Question,
		BotMessage:  a.Text,
		MessageIDs:  a.SegmentIDs,
		Timestamp:   s.cfg.Now(),
	})
	log.Debug("session: answer complete", "message_id", messageID, "segments", len(segmentIDs))

	if err := s.cfg.Playback.WaitIdle(ctx); err != nil {
		return fmt.Errorf("session: wait for playback: %w", err)
	}
	return nil
}

// speakSentence synthesises one sentence and queues it for playback. It
// reports whether a segment was queued. A synthesis or decode failure skips
// the sentence; only rejected credentials, a cancelled turn or a closed
// player stop the answer.
func (s *Session) speakSentence(ctx context.Context, id string, position int, sentence string) (bool, error) {
	data, err := s.cfg.TTS.Synthesize(ctx, tts.Request{
		Text:      tutor.PrepareSpeech(strings.TrimSpace(sentence)),
		UserID:    s.cfg.UserID,
		MessageID: id,
	})
	if err != nil {
		if isUnauthorized(err) || ctx.Err() != nil {
			return false, err
		}
		slog.Warn("session: synthesis failed, sentence not spoken", "id", id, "err", err)
		s.obs.error(fmt.Errorf("session: synthesise %s: %w", id, err))
		return false, nil
	}

	if err := s.cfg.Playback.EnqueueData(id, position, data); err != nil {
		var de *playback.DecodeError
		if errors.As(err, &de) {
			slog.Warn("session: undecodable audio skipped", "id", id, "err", err)
			return false, nil
		}
		return false, fmt.Errorf("enqueue %s: %w", id, err)
	}
	return true, nil
}

func isUnauthorized(err error) bool {
	return errors.Is(err, auth.ErrUnauthorized)
}
