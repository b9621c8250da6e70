package snapshot

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"regserv/services/registry"
)

// document is the on-disk layout. Timestamps are float seconds since the epoch so existing
// RegServ.json files load unchanged.
type document struct {
	Emails map[string]emailRecord `json:"emails"`
	Hashes map[string]hashRecord  `json:"hashes"`
}

type emailRecord struct {
	LastEmailed float64  `json:"last_emailed"`
	Nicks       []string `json:"nicks"`
}

type hashRecord struct {
	Email     string  `json:"email"`
	Timestamp float64 `json:"timestamp"`
}

// Encode renders state in the snapshot layout.
func Encode(state registry.State) ([]byte, error) {
	doc := document{
		Emails: make(map[string]emailRecord, len(state.Identities)),
		Hashes: make(map[string]hashRecord, len(state.Tokens)),
	}
	for email, id := range state.Identities {
		nicks := id.Nicknames
		if nicks == nil {
			nicks = []string{}
		}
		doc.Emails[email] = emailRecord{
			LastEmailed: toEpoch(id.LastIssuedAt),
			Nicks:       nicks,
		}
	}
	for key, tok := range state.Tokens {
		doc.Hashes[key] = hashRecord{
			Email:     tok.Email,
			Timestamp: toEpoch(tok.IssuedAt),
		}
	}
	return json.Marshal(doc)
}

// Decode parses a snapshot. Empty input yields an empty state.
func Decode(data []byte) (registry.State, error) {
	state := registry.NewState()
	if len(data) == 0 {
		return state, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return registry.State{}, fmt.Errorf("decode snapshot: %w", err)
	}
	for email, rec := range doc.Emails {
		id := registry.Identity{
			Email:        email,
			LastIssuedAt: fromEpoch(rec.LastEmailed),
		}
		if len(rec.Nicks) > 0 {
			id.Nicknames = append([]string(nil), rec.Nicks...)
		}
		state.Identities[email] = id
	}
	for key, rec := range doc.Hashes {
		state.Tokens[key] = registry.Token{
			ID:       key,
			Email:    rec.Email,
			IssuedAt: fromEpoch(rec.Timestamp),
		}
	}
	return state, nil
}

func toEpoch(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMicro()) / 1e6
}

func fromEpoch(secs float64) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(math.Round(secs * 1e6))).UTC()
}
