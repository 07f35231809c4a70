// Package registry correlates callback tokens with governed units and holds
// the suspended stage continuations waiting for a decision.
//
// Every map is guarded by its own lock. Each read-modify-write sequence on a
// map is atomic; removals are at-most-once so a token can be consumed by a
// single caller only.
package registry

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/waabox/changegate/internal/domain"
)

// Continuation is a suspended stage waiting for its decision.
type Continuation struct {
	Token           string
	RunID           string
	StageID         string
	Unit            domain.UnitMetadata
	ChangeStartTime time.Time
	RegisteredAt    time.Time

	// Stop cancels the polling scheduler of the wait. It is called before
	// the continuation is resolved and may be nil.
	Stop func()
}

// Registry is the process-wide correlation registry.
type Registry struct {
	tokens         *store[string, string]
	units          *store[string, string]
	content        *store[string, []byte]
	callbackTokens *store[string, string]
	continuations  *store[string, *Continuation]
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		tokens:         newStore[string, string](),
		units:          newStore[string, string](),
		content:        newStore[string, []byte](),
		callbackTokens: newStore[string, string](),
		continuations:  newStore[string, *Continuation](),
	}
}

// MintToken returns a new random token namespaced by the unit kind.
func MintToken(kind domain.UnitKind) string {
	return kind.TokenPrefix() + uuid.NewString()
}

// KindOf returns the unit kind a token was minted for.
func KindOf(token string) (domain.UnitKind, bool) {
	for _, kind := range []domain.UnitKind{domain.UnitJob, domain.UnitStage} {
		if strings.HasPrefix(token, kind.TokenPrefix()) && len(token) > len(kind.TokenPrefix()) {
			return kind, true
		}
	}
	return "", false
}

// Register maps token to unitID and back. It returns false, storing
// nothing, when the unit already has a token.
func (r *Registry) Register(unitID, token string) bool {
	if !r.units.putIfAbsent(unitID, token) {
		return false
	}
	r.tokens.put(token, unitID)
	return true
}

// TokenFor returns the token registered for the unit.
func (r *Registry) TokenFor(unitID string) (string, bool) {
	return r.units.get(unitID)
}

// UnitFor returns the unit a token was registered for.
func (r *Registry) UnitFor(token string) (string, bool) {
	return r.tokens.get(token)
}

// Resolve consumes token and records content as its unit's result. Only the
// first caller for a token gets ok=true. The
// result is stored before the unit's token mapping is dropped, so a
// concurrent reader always observes either the token or the result.
func (r *Registry) Resolve(token string, content []byte) (string, bool) {
	unitID, ok := r.tokens.take(token)
	if !ok {
		return "", false
	}
	r.StoreResult(unitID, token, content)
	r.units.removeIf(unitID, func(v string) bool { return v == token })
	return unitID, true
}

// Deregister drops the token of a unit in both directions.
func (r *Registry) Deregister(unitID string) {
	token, ok := r.units.take(unitID)
	if ok {
		r.tokens.removeIf(token, func(v string) bool { return v == unitID })
	}
}

// StoreResult records the raw decision delivered for a unit and the token
// that produced it.
func (r *Registry) StoreResult(unitID, token string, content []byte) {
	r.callbackTokens.put(unitID, token)
	r.content.put(unitID, content)
}

// Result returns the raw decision recorded for a unit.
func (r *Registry) Result(unitID string) ([]byte, bool) {
	return r.content.get(unitID)
}

// CallbackToken returns the token whose callback produced the unit's result.
func (r *Registry) CallbackToken(unitID string) (string, bool) {
	return r.callbackTokens.get(unitID)
}

// TakeResult removes and returns the unit's recorded decision.
func (r *Registry) TakeResult(unitID string) ([]byte, bool) {
	content, ok := r.content.take(unitID)
	if ok {
		r.callbackTokens.take(unitID)
	}
	return content, ok
}

// PutContinuation registers a suspended continuation under its token. It
// returns false when the token already has one.
func (r *Registry) PutContinuation(c *Continuation) bool {
	return r.continuations.putIfAbsent(c.Token, c)
}

// Continuation returns the continuation registered under token.
func (r *Registry) Continuation(token string) (*Continuation, bool) {
	return r.continuations.get(token)
}

// TakeContinuation removes and returns the continuation of token. Only the
// first caller gets ok=true, which makes resolution at-most-once.
func (r *Registry) TakeContinuation(token string) (*Continuation, bool) {
	return r.continuations.take(token)
}

// Continuations returns the tokens of every live continuation.
func (r *Registry) Continuations() []string {
	return r.continuations.keys()
}

// Stats reports the size of each map.
type Stats struct {
	Tokens        int
	Units         int
	Results       int
	Continuations int
}

// Stats returns the current map sizes.
func (r *Registry) Stats() Stats {
	return Stats{
		Tokens:        r.tokens.len(),
		Units:         r.units.len(),
		Results:       r.content.len(),
		Continuations: r.continuations.len(),
	}
}
