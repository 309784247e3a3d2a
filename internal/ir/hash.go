package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows a future algorithm migration.
const (
	DomainEvent   = "streamsale/event/v1"
	DomainItem    = "streamsale/item/v1"
	DomainProfile = "streamsale/profile/v1"
)

// addressLen is the number of hex characters kept in derived account ids.
const addressLen = 40

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data). The null separator prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventID computes the content-addressed id of an event.
// The id is stable across replays given the same kind, seq and attributes.
func EventID(kind string, seq int64, attrs map[string]any) (string, error) {
	obj := map[string]any{
		"kind":  kind,
		"seq":   seq,
		"attrs": attrs,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EventID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// DeriveItemID derives a new item's id from its creator and the gate nonce.
// Like a contract address, it is deterministic and never reused.
func DeriveItemID(creator AccountID, nonce int64) ItemID {
	return ItemID("item_" + derive(DomainItem, creator, nonce))
}

// DeriveProfileID derives a profile account from its owner and the registry nonce.
func DeriveProfileID(owner AccountID, nonce int64) AccountID {
	return AccountID("profile_" + derive(DomainProfile, owner, nonce))
}

func derive(domain string, owner AccountID, nonce int64) string {
	canonical, err := MarshalCanonical(map[string]any{
		"owner": owner,
		"nonce": nonce,
	})
	if err != nil {
		// Both fields are always encodable.
		panic(err)
	}
	return hashWithDomain(domain, canonical)[:addressLen]
}

// MustEventID is like EventID but panics on error.
// Use only in tests or when attributes are known to be valid.
func MustEventID(kind string, seq int64, attrs map[string]any) string {
	id, err := EventID(kind, seq, attrs)
	if err != nil {
		panic(err)
	}
	return id
}
