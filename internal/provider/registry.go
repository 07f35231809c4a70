package provider

import (
	"fmt"
	"strings"

	"github.com/waabox/changegate/internal/domain"
)

// DecisionSink accepts a decision delivered for one of its tokens.
type DecisionSink interface {
	Deliver(token string, payload []byte) error
}

// Registry maps token namespace prefixes to the gates owning them.
type Registry struct {
	entries []entry
}

type entry struct {
	prefix string
	sink   DecisionSink
}

// NewRegistry creates an empty callback registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register associates a token prefix (e.g., "job-") with a sink.
func (r *Registry) Register(prefix string, s DecisionSink) {
	r.entries = append(r.entries, entry{prefix: prefix, sink: s})
}

// Detect returns the sink owning the namespace of token.
// Returns an error wrapping domain.ErrUnknownToken if no namespace matches.
func (r *Registry) Detect(token string) (DecisionSink, error) {
	for _, e := range r.entries {
		if strings.HasPrefix(token, e.prefix) {
			return e.sink, nil
		}
	}
	return nil, fmt.Errorf("no gate for token %q: %w", token, domain.ErrUnknownToken)
}

// Deliver routes a decision to the sink owning token.
func (r *Registry) Deliver(token string, payload []byte) error {
	s, err := r.Detect(token)
	if err != nil {
		return err
	}
	return s.Deliver(token, payload)
}
