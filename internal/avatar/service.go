package avatar

import "context"

// Service is the remote avatar synthesis service.
type Service interface {
	// OpenSession establishes a synthesis/video session and returns its id.
	OpenSession(ctx context.Context, cfg Config) (string, error)

	// SubmitUtterance asks the avatar to say text and returns the number the
	// service assigned to the utterance; end-of-speech signals carry it back.
	// A nil error means the request was accepted, not that speech has
	// finished.
	SubmitUtterance(ctx context.Context, sessionID, text, voice string) (uint64, error)

	// CloseSession tears the session down. Callers treat failures as
	// best-effort.
	CloseSession(ctx context.Context, sessionID string) error
}
