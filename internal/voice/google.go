package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GoogleTranscriber uses Cloud Speech-to-Text with Application Default Credentials.
type GoogleTranscriber struct {
	client   *speech.Client
	language string
}

func NewGoogleTranscriber(ctx context.Context, language string) (*GoogleTranscriber, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	language = strings.TrimSpace(language)
	if language == "" {
		language = "zh-CN"
	}
	return &GoogleTranscriber{client: client, language: language}, nil
}

func (g *GoogleTranscriber) Close() error {
	return g.client.Close()
}

func (g *GoogleTranscriber) Transcribe(ctx context.Context, capture Capture) (string, error) {
	pcm, sampleRate, err := capture.PCM()
	if err != nil {
		return "", transcriptionFailure("google", err)
	}
	if len(pcm) == 0 {
		return "", transcriptionFailure("google", ErrNoSpeech)
	}

	resp, err := g.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:            int32(sampleRate),
			LanguageCode:               g.language,
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm},
		},
	})
	if err != nil {
		return "", googleFailure(ctx, err)
	}

	var parts []string
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		if t := strings.TrimSpace(alts[0].GetTranscript()); t != "" {
			parts = append(parts, t)
		}
	}
	text := strings.Join(parts, " ")
	if text == "" {
		return "", transcriptionFailure("google", ErrNoSpeech)
	}
	return text, nil
}

func googleFailure(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return transcriptionFailure("google", errors.Join(ctxErr, err))
	}
	te := &TranscriptionError{Provider: "google", Code: "upstream_unavailable", Err: err}
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		te.Code = "unauthorized"
	case codes.ResourceExhausted:
		te.Code, te.Retryable = "rate_limited", true
	case codes.DeadlineExceeded:
		te.Code, te.Retryable = "timeout", true
	case codes.InvalidArgument:
		te.Code = "bad_request"
	case codes.Unavailable:
		te.Retryable = true
	}
	return te
}
