package acquire

import "fmt"

// FetchError means the remote source could not be retrieved: network
// failure, a remote-side refusal, a malformed URL, or a yt-dlp failure.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.URL, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// ClipError means the fetched source could not be trimmed and transcoded,
// or the result failed the size check.
type ClipError struct {
	Err error
}

func (e *ClipError) Error() string { return fmt.Sprintf("clip: %v", e.Err) }
func (e *ClipError) Unwrap() error { return e.Err }

// WriteError means the segment could not be persisted to the store.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("write %s: %v", e.Key, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// errorKind names the taxonomy class of err for logs and metrics labels.
func errorKind(err error) string {
	switch err.(type) {
	case *FetchError:
		return "fetch"
	case *ClipError:
		return "clip"
	case *WriteError:
		return "write"
	case nil:
		return ""
	default:
		return "other"
	}
}
