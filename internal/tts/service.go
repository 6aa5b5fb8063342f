package tts

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/nats-io/nats.go"
)

// Service answers speak requests arriving on the bus with the same
// sentence-by-sentence synthesis the HTTP speak endpoint performs.
type Service struct {
	bus    *bus.Client
	synth  Synthesizer
	voices Resolver
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, synth Synthesizer, voices Resolver, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		synth:  synth,
		voices: voices,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSpeakRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		s.reply(msg, protocol.SpeakReply{Error: "invalid request"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reply(msg, s.speak(s.ctx, req))
	}()
}

// Speak synthesizes every sentence of text with the given voice. Sentences
// that fail are skipped.
func Speak(ctx context.Context, synth Synthesizer, modelPath, requestID, text string, log *slog.Logger) []string {
	chunks := []string{}
	for _, sentence := range segment.Split(text) {
		audio, err := synth.Synthesize(ctx, SynthRequest{RequestID: requestID, Text: sentence.Text, ModelPath: modelPath})
		if err != nil {
			if ctx.Err() != nil {
				return chunks
			}
			log.Warn("sentence synthesis failed, skipping",
				slog.String("request_id", requestID), slog.String("sentence", sentence.Text), slogError(err))
			continue
		}
		chunks = append(chunks, audio.Base64())
	}
	return chunks
}

func (s *Service) speak(ctx context.Context, req protocol.SpeakRequest) protocol.SpeakReply {
	reply := protocol.SpeakReply{RequestID: req.RequestID, AudioChunks: []string{}}
	if req.Text == "" {
		reply.Error = "no text provided"
		return reply
	}
	modelPath, err := s.voices.Resolve(req.VoiceID)
	if err != nil {
		if errors.Is(err, ErrVoiceNotFound) {
			reply.Error = "voice model not found"
		} else {
			reply.Error = "voice lookup failed"
		}
		return reply
	}
	reply.AudioChunks = Speak(ctx, s.synth, modelPath, req.RequestID, req.Text, s.logger)
	return reply
}

func (s *Service) reply(msg *nats.Msg, reply protocol.SpeakReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal speak reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send speak reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
