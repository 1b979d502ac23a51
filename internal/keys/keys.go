// Package keys builds and parses the hierarchical addresses used on the bus.
//
// Pub/sub:        {realm}/@v0/{entity_id}/pubsub/{subject}/{source_id...}
// Request/reply:  {realm}/@v0/{entity_id}/@rpc/{procedure}/{responder_id...}
//
// Construction does no escaping. Realm, entity id, subject and procedure must
// not contain "/"; source and responder ids may, and are reconstructed by
// joining all trailing segments.
package keys

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Version is the literal version marker at segment 1.
	Version = "@v0"

	pubSubMarker = "pubsub"
	rpcMarker    = "@rpc"
	targetMarker = "@target"

	minSegments = 6
)

// ErrMalformedKey is returned when a key does not have the expected shape.
var ErrMalformedKey = errors.New("malformed key")

// PubSub holds the structured fields of a pub/sub key.
type PubSub struct {
	Realm    string
	EntityID string
	Subject  string
	SourceID string
	// TargetID is only filled in by ParsePubSubTargetKey.
	TargetID string
}

// RPC holds the structured fields of a request/reply key.
type RPC struct {
	Realm       string
	EntityID    string
	Procedure   string
	ResponderID string
}

// ConstructPubSubKey returns the pub/sub key for the given fields.
func ConstructPubSubKey(realm, entityID, subject, sourceID string) string {
	return strings.Join([]string{realm, Version, entityID, pubSubMarker, subject, sourceID}, "/")
}

// ConstructPubSubTargetKey returns a pub/sub key addressed at a target entity,
// i.e. the plain key followed by "/@target/{targetID}".
func ConstructPubSubTargetKey(realm, entityID, subject, sourceID, targetID string) string {
	return ConstructPubSubKey(realm, entityID, subject, sourceID) + "/" + targetMarker + "/" + targetID
}

// ConstructRPCKey returns the request/reply key for the given fields.
func ConstructRPCKey(realm, entityID, procedure, responderID string) string {
	return strings.Join([]string{realm, Version, entityID, rpcMarker, procedure, responderID}, "/")
}

// String returns the key form of p.
func (p PubSub) String() string {
	if p.TargetID != "" {
		return ConstructPubSubTargetKey(p.Realm, p.EntityID, p.Subject, p.SourceID, p.TargetID)
	}
	return ConstructPubSubKey(p.Realm, p.EntityID, p.Subject, p.SourceID)
}

// String returns the key form of r.
func (r RPC) String() string {
	return ConstructRPCKey(r.Realm, r.EntityID, r.Procedure, r.ResponderID)
}

// ParsePubSubKey splits a pub/sub key into its fields. Everything after the
// subject is the source id, so any source id survives a round trip.
func ParsePubSubKey(key string) (PubSub, error) {
	parts, err := split(key, pubSubMarker)
	if err != nil {
		return PubSub{}, err
	}
	return PubSub{
		Realm:    parts[0],
		EntityID: parts[2],
		Subject:  parts[4],
		SourceID: strings.Join(parts[5:], "/"),
	}, nil
}

// ParsePubSubTargetKey parses a key built by ConstructPubSubTargetKey. The
// last "@target" segment of the tail separates the source id from the target
// id; without one it behaves like ParsePubSubKey.
func ParsePubSubTargetKey(key string) (PubSub, error) {
	p, err := ParsePubSubKey(key)
	if err != nil {
		return PubSub{}, err
	}
	tail := strings.Split(p.SourceID, "/")
	for i := len(tail) - 2; i >= 1; i-- {
		if tail[i] == targetMarker {
			p.SourceID = strings.Join(tail[:i], "/")
			p.TargetID = strings.Join(tail[i+1:], "/")
			break
		}
	}
	return p, nil
}

// ParseRPCKey splits a request/reply key into its fields.
func ParseRPCKey(key string) (RPC, error) {
	parts, err := split(key, rpcMarker)
	if err != nil {
		return RPC{}, err
	}
	return RPC{
		Realm:       parts[0],
		EntityID:    parts[2],
		Procedure:   parts[4],
		ResponderID: strings.Join(parts[5:], "/"),
	}, nil
}

// SubjectFromPubSubKey returns the subject segment of a pub/sub key.
func SubjectFromPubSubKey(key string) (string, error) {
	p, err := ParsePubSubKey(key)
	if err != nil {
		return "", err
	}
	return p.Subject, nil
}

// WithTag appends tag as an extra trailing segment. An empty tag returns key unchanged.
func WithTag(key, tag string) string {
	if tag == "" {
		return key
	}
	return strings.TrimSuffix(key, "/") + "/" + tag
}

func split(key, marker string) ([]string, error) {
	parts := strings.Split(key, "/")
	if len(parts) < minSegments {
		return nil, fmt.Errorf("%w: %q has %d segments, expected at least %d", ErrMalformedKey, key, len(parts), minSegments)
	}
	if parts[1] != Version || parts[3] != marker {
		return nil, fmt.Errorf("%w: %q does not match {realm}/%s/{entity_id}/%s/...", ErrMalformedKey, key, Version, marker)
	}
	return parts, nil
}
