// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts streams for the expected
// sessions. Use Stream to feed controlled Transcript values and inspect which
// audio chunks were pushed.
//
// Example:
//
//	st := mock.NewStream()
//	p := &mock.Provider{Stream: st}
//	handle, _ := p.StartStream(ctx, "s1")
//	st.Emit(stt.Transcript{Text: "hello", Committed: true})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/streamlate/streamlate/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// SessionID is the session identifier passed to StartStream.
	SessionID string
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is the StreamHandle returned by StartStream. If nil, StartStream
	// returns a fresh Stream, retrievable via LastStream.
	Stream stt.StreamHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	lastStream *Stream
}

// StartStream records the call and returns Stream, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, sessionID string) (stt.StreamHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, SessionID: sessionID})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Stream != nil {
		return p.Stream, nil
	}
	p.lastStream = NewStream()
	return p.lastStream, nil
}

// LastStream returns the most recent auto-created Stream, or nil if StartStream
// has not been called or a fixed Stream was configured.
func (p *Provider) LastStream() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastStream
}

// StartStreamCallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
	p.lastStream = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Stream is a mock implementation of stt.StreamHandle. Create it with
// NewStream, feed transcripts with Emit, and close it with Close or End.
type Stream struct {
	mu sync.Mutex

	// PushAudioErr, if non-nil, is returned by every PushAudio call.
	PushAudioErr error

	// CloseErr, if non-nil, is returned by the first Close call.
	CloseErr error

	// PushedAudio records every base64 chunk passed to PushAudio, in order.
	PushedAudio []string

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	transcripts chan stt.Transcript
	closed      bool
	err         error
}

// NewStream returns a Stream with a buffered transcript channel.
func NewStream() *Stream {
	return &Stream{transcripts: make(chan stt.Transcript, 16)}
}

// Emit delivers a transcript to the consumer. It panics if the stream has
// ended, mirroring a send on a closed channel.
func (s *Stream) Emit(t stt.Transcript) {
	s.transcripts <- t
}

// End closes the transcript channel with the given terminal error, simulating
// an upstream failure. Pass nil for a clean upstream shutdown.
func (s *Stream) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.transcripts)
}

// PushAudio records the chunk and returns PushAudioErr, or an error if the
// stream has ended.
func (s *Stream) PushAudio(audioB64 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: stream is closed")
	}
	s.PushedAudio = append(s.PushedAudio, audioB64)
	return s.PushAudioErr
}

// Transcripts returns the transcript channel.
func (s *Stream) Transcripts() <-chan stt.Transcript {
	return s.transcripts
}

// Err returns the error passed to End, or nil.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call and ends the stream cleanly.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	err := s.CloseErr
	s.CloseErr = nil
	if !s.closed {
		s.closed = true
		close(s.transcripts)
	}
	s.mu.Unlock()
	return err
}

// PushedAudioCount returns the number of PushAudio calls. Thread-safe.
func (s *Stream) PushedAudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.PushedAudio)
}

// Ensure Stream implements stt.StreamHandle at compile time.
var _ stt.StreamHandle = (*Stream)(nil)
