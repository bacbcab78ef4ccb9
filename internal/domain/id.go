package domain

import (
	"fmt"
	"strings"
)

// EventKey = "<tx_hash>:<kind>:<subject>"
func MakeEventKey(txHash string, kind EventKind, subject string) string {
	return fmt.Sprintf("%s:%s:%s", strings.ToLower(txHash), kind, NormalizeAddress(subject))
}

type ParsedEventKey struct {
	TxHash  string
	Kind    EventKind
	Subject string
}

func ParseEventKey(key string) (ParsedEventKey, error) {
	var out ParsedEventKey
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return out, fmt.Errorf("invalid event key format: %s", key)
	}

	kind := EventKind(parts[1])
	if !kind.Valid() {
		return out, fmt.Errorf("invalid event kind %q in key %s", parts[1], key)
	}

	if parts[0] == "" || parts[2] == "" {
		return out, fmt.Errorf("invalid event key, empty tx hash or subject: %s", key)
	}

	out.TxHash = strings.ToLower(parts[0])
	out.Kind = kind
	out.Subject = NormalizeAddress(parts[2])

	return out, nil
}
