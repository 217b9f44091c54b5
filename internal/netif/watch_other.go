//go:build !linux

package netif

func newPlatformWatcher(cfg Config) (Watcher, error) {
	return newPollingWatcher(cfg), nil
}
