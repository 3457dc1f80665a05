package audio

// Drain reads from ch until it is closed, discarding all values. Use it after
// stopping playback of a synthesis stream so the producing goroutine can
// finish.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
