// Package util provides shared utility functions.
package util

// ShortID trims a peer identifier (usually a UUID handed out by the relay)
// to its first 8 characters for log lines. It is for display only.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
