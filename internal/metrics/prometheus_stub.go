//go:build noprom

package metrics

// Built with -tags noprom: the recorder stays a no-op.
func enablePrometheus(addr string) error { return nil }
