package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// StateKeys are the state-store keys of one stream set.
type StateKeys struct {
	ReaderGroup string `json:"readerGroup"`
	Checkpoint  string `json:"checkpoint"`
}

// KeysFor returns the keys for scope and streams. Stream order does not
// matter.
func KeysFor(scope string, streams []string) StateKeys {
	base := keyBase(scope, streams)
	return StateKeys{
		ReaderGroup: base + "/reader-group",
		Checkpoint:  base + "/checkpoint",
	}
}

// keyBase is unambiguous: scopes cannot contain '/' and stream names cannot
// contain '/' or ','.
func keyBase(scope string, streams []string) string {
	return scope + "/" + strings.Join(sortedCopy(streams), ",")
}

// GroupName derives the reader-group name every node computes for scope and
// streams. The readable part can repeat across stream sets ("shop" with
// "orders-eu" and "shop-orders" with "eu"), so a hash of the state-key base
// ends the name.
func GroupName(scope string, streams []string) string {
	sum := sha256.Sum256([]byte(keyBase(scope, streams)))
	return "fiso-" + scope + "-" + strings.Join(sortedCopy(streams), "-") + "-" + hex.EncodeToString(sum[:4])
}

func sortedCopy(s []string) []string {
	out := slices.Clone(s)
	slices.Sort(out)
	return out
}

// GroupIdentity is the reader-group record published by the leader.
type GroupIdentity struct {
	Name      string    `json:"name"`
	Scope     string    `json:"scope"`
	Streams   []string  `json:"streams"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (g GroupIdentity) encode() (string, error) {
	b, err := json.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("encode reader group identity: %w", err)
	}
	return string(b), nil
}

// DecodeGroupIdentity parses a published identity.
func DecodeGroupIdentity(s string) (GroupIdentity, error) {
	var g GroupIdentity
	if err := json.Unmarshal([]byte(s), &g); err != nil {
		return GroupIdentity{}, fmt.Errorf("decode reader group identity: %w", err)
	}
	if g.Name == "" {
		return GroupIdentity{}, fmt.Errorf("decode reader group identity: missing name")
	}
	return g, nil
}
