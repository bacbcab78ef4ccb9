package dedupe

import (
	"context"
	"time"
)

// Window is a suppression window shared by all alert evaluators (redis, in-memory).
type Window interface {
	// Claim returns claimed=true when key was free and is now held for ttl;
	// claimed=false means the key is still suppressed. ttl <= 0 uses the window default.
	Claim(ctx context.Context, key string, ttl time.Duration) (claimed bool, err error)
	// ClaimAs is Claim that records owner as the holder of key
	ClaimAs(ctx context.Context, key, owner string, ttl time.Duration) (claimed bool, err error)
	// Release frees key before its ttl expires, only while owner still holds it.
	// An empty owner releases unconditionally.
	Release(ctx context.Context, key, owner string) error
}
