package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when the data on a streaming channel is
// no longer wanted (e.g., the byte stream of a skipped TTS unit or an
// interrupted playback).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
