package audio

// Drain reads from ch until it is closed, discarding every value. Consumers
// that stop caring about a session's Audio or Transcripts channel call it so
// the producer never blocks on a full buffer.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
