package domain

import (
	"fmt"
	"strings"
)

type ScopeKind string

const (
	ScopeUser        ScopeKind = "user"
	ScopeGlobal      ScopeKind = "global"
	ScopeLeaderboard ScopeKind = "leaderboard"
)

const (
	LeaderboardGlobal   = "global"
	LeaderboardReferral = "referral"
)

// Scope identifies one recomputable aggregate: user:<address>, global, leaderboard:<name>
type Scope struct {
	Kind ScopeKind `json:"kind"`
	Key  string    `json:"key,omitempty"`
}

func UserScope(addr string) Scope {
	return Scope{Kind: ScopeUser, Key: NormalizeAddress(addr)}
}

func GlobalScope() Scope {
	return Scope{Kind: ScopeGlobal}
}

func LeaderboardScope(name string) Scope {
	return Scope{Kind: ScopeLeaderboard, Key: name}
}

func (s Scope) String() string {
	if s.Kind == ScopeGlobal {
		return string(ScopeGlobal)
	}
	return string(s.Kind) + ":" + s.Key
}

func ParseScope(raw string) (Scope, error) {
	raw = strings.TrimSpace(raw)
	if raw == string(ScopeGlobal) {
		return GlobalScope(), nil
	}

	kind, key, ok := strings.Cut(raw, ":")
	if !ok || key == "" {
		return Scope{}, fmt.Errorf("%w: scope %q", ErrInvalidInput, raw)
	}

	switch ScopeKind(kind) {
	case ScopeUser:
		return UserScope(key), nil
	case ScopeLeaderboard:
		if key != LeaderboardGlobal && key != LeaderboardReferral {
			return Scope{}, fmt.Errorf("%w: unknown leaderboard %q", ErrInvalidInput, key)
		}
		return LeaderboardScope(key), nil
	default:
		return Scope{}, fmt.Errorf("%w: unknown scope kind %q", ErrInvalidInput, kind)
	}
}
