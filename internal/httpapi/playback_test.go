package httpapi

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/voiceloop/internal/protocol"
	"github.com/ent0n29/voiceloop/internal/voice"
)

func TestRemotePlayerWaitsForPlaybackDone(t *testing.T) {
	p := NewPlayerRegistry(time.Minute).For("s1")
	sent := make(chan protocol.AssistantAudio, 1)
	detach := p.Attach(func(msg any) bool {
		sent <- msg.(protocol.AssistantAudio)
		return true
	})
	defer detach()

	result := make(chan error, 1)
	go func() {
		result <- p.Play(context.Background(), voice.Audio{Data: []byte("x"), Format: "mp3", Duration: time.Minute})
	}()

	msg := <-sent
	if msg.SessionID != "s1" || msg.Format != "mp3" || msg.AudioBase64 != "eA==" {
		t.Fatalf("unexpected assistant_audio: %+v", msg)
	}
	select {
	case err := <-result:
		t.Fatalf("Play returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	p.Done("unknown")
	p.Done(msg.PlaybackID)
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("Play() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Play did not return after playback_done")
	}
}

func TestRemotePlayerCancel(t *testing.T) {
	p := NewPlayerRegistry(time.Minute).For("s1")
	detach := p.Attach(func(any) bool { return true })
	defer detach()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- p.Play(ctx, voice.Audio{Data: []byte("x")}) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Play() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Play did not return after cancel")
	}
}

func TestRemotePlayerDurationGrace(t *testing.T) {
	p := NewPlayerRegistry(10 * time.Millisecond).For("s1")
	detach := p.Attach(func(any) bool { return true })
	defer detach()

	start := time.Now()
	if err := p.Play(context.Background(), voice.Audio{Data: []byte("x"), Duration: 20 * time.Millisecond}); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("Play returned after %v, want at least duration plus grace", elapsed)
	}
}

func TestRemotePlayerDetachReleasesPlayback(t *testing.T) {
	reg := NewPlayerRegistry(time.Minute)
	p := reg.For("s1")
	attached := make(chan struct{})
	p.Attach(func(any) bool {
		close(attached)
		return true
	})

	result := make(chan error, 1)
	go func() { result <- p.Play(context.Background(), voice.Audio{Data: []byte("x")}) }()
	<-attached
	reg.Release("s1")

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("Play() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Play did not return after release")
	}
	if _, ok := reg.lookup("s1"); ok {
		t.Fatalf("player still registered after Release")
	}
}

func TestRemotePlayerWithoutClientWaitsDuration(t *testing.T) {
	p := NewPlayerRegistry(0).For("s1")
	start := time.Now()
	if err := p.Play(context.Background(), voice.Audio{Data: []byte("x"), Duration: 15 * time.Millisecond}); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("Play returned after %v, want at least 15ms", elapsed)
	}
}
