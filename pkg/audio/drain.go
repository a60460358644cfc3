package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it when a consumer stops early but the producer still owns the channel,
// e.g. the frame channel returned by capture.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
