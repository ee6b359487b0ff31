// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a realtime transcription service (e.g., the ElevenLabs
// Scribe realtime API) and exposes a uniform duplex interface. The central
// abstraction is StreamHandle: once opened, a stream accepts base64-encoded PCM
// audio chunks and emits a single ordered sequence of Transcript values, with
// speculative partials interleaved with authoritative committed results.
//
// Implementations must be safe for concurrent use. Multiple streams may be
// open simultaneously, one per live session.
package stt

import "context"

// Transcript is a single speech-to-text result emitted by a stream.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Committed reports whether the upstream service has committed to this
	// result. Uncommitted (partial) transcripts are speculative and will be
	// superseded by later transcripts for the same utterance.
	Committed bool
}

// StreamHandle represents an open STT streaming session.
//
// Callers must call Close when the stream is no longer needed; failing to do
// so leaks the network connection and the goroutines that service it. All
// methods are safe for concurrent use.
type StreamHandle interface {
	// PushAudio queues a base64-encoded PCM audio chunk for delivery upstream.
	// It blocks while the internal audio queue is full and returns an error
	// once the stream is closed. The upstream service performs voice activity
	// detection, so audio may be pushed continuously.
	PushAudio(audioB64 string) error

	// Transcripts returns the ordered sequence of results for this stream.
	// The channel is closed when the stream ends, whether by Close or by an
	// upstream failure; consult Err afterwards to distinguish the two.
	Transcripts() <-chan Transcript

	// Err returns the terminal error of the stream, or nil after a clean
	// shutdown. It must only be called after Transcripts is closed.
	Err() error

	// Close terminates the stream, flushes queued audio on a best-effort
	// basis, and releases all associated resources. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new realtime transcription stream. sessionID is the
	// owning session's identifier and is used for log correlation only.
	//
	// Returns an error if the stream cannot be established (authentication
	// failure, network failure, or ctx already cancelled). The caller owns
	// the StreamHandle and must call Close when done.
	StartStream(ctx context.Context, sessionID string) (StreamHandle, error)
}
