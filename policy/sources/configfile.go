package sources

import (
	"context"
	"sync"
	"time"

	"github.com/cachemesh/runtime/policy"
)

// ConfigEntry is one method id's declared policy within a ConfigDocument.
type ConfigEntry struct {
	MethodID          policy.MethodID
	Duration          policy.OptDuration
	Tags              []string
	KeyGeneratorType  string
	Version           policy.OptInt64
	RequireIdempotent policy.OptBool
}

// ConfigDocument is a parsed configuration file's cache-policy section.
// Parsing the actual file format (YAML/JSON/TOML) is out of scope; callers
// supply a ConfigProvider that produces ConfigDocuments however they like.
type ConfigDocument struct {
	Entries []ConfigEntry
}

// ConfigProvider loads a ConfigDocument and reports when it changes (e.g. on
// file-watch or a config-service push). ConfigFileSource does not care how
// Watch detects change, only that it signals when the document should be
// reloaded.
type ConfigProvider interface {
	Load(ctx context.Context) (ConfigDocument, error)
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// ConfigFileSource adapts a ConfigProvider into a policy.Source: each signal
// on the provider's Watch channel triggers a reload and a diff against the
// previously loaded document, emitting Added/Updated/Removed changes per
// method id.
type ConfigFileSource struct {
	id       string
	provider ConfigProvider

	mu      sync.Mutex
	current map[policy.MethodID]policy.CachePolicy
}

// NewConfigFileSource builds a ConfigFileSource with id "configfile".
func NewConfigFileSource(provider ConfigProvider) *ConfigFileSource {
	return &ConfigFileSource{
		id:       "configfile",
		provider: provider,
		current:  make(map[policy.MethodID]policy.CachePolicy),
	}
}

func (s *ConfigFileSource) ID() string { return s.id }

func entryToPolicy(sourceID string, e ConfigEntry, now time.Time) policy.CachePolicy {
	p := policy.CachePolicy{
		Duration:          e.Duration,
		Tags:              append([]string(nil), e.Tags...),
		KeyGeneratorType:  e.KeyGeneratorType,
		Version:           e.Version,
		RequireIdempotent: e.RequireIdempotent,
	}
	mask := p.Mask()
	if !mask.Empty() {
		p.Provenance = []policy.Contribution{{SourceID: sourceID, Fields: mask, AppliedAt: now}}
	}
	return p
}

// Snapshot loads the document fresh and returns one PolicySnapshot per entry.
func (s *ConfigFileSource) Snapshot(ctx context.Context) ([]policy.PolicySnapshot, error) {
	doc, err := s.provider.Load(ctx)
	if err != nil {
		return nil, &policy.SourceFailure{SourceID: s.id, Cause: err}
	}

	now := time.Now()
	fresh := make(map[policy.MethodID]policy.CachePolicy, len(doc.Entries))
	snaps := make([]policy.PolicySnapshot, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		p := entryToPolicy(s.id, e, now)
		fresh[e.MethodID] = p
		snaps = append(snaps, policy.PolicySnapshot{
			SourceID:   s.id,
			MethodID:   e.MethodID,
			Policy:     p,
			ProducedAt: now,
		})
	}
	s.mu.Lock()
	s.current = fresh
	s.mu.Unlock()
	return snaps, nil
}

// Watch reloads the document on every provider signal and emits one
// PolicyChange per method id whose policy changed since the last load.
func (s *ConfigFileSource) Watch(ctx context.Context) (<-chan policy.PolicyChange, error) {
	signals, err := s.provider.Watch(ctx)
	if err != nil {
		return nil, &policy.SourceFailure{SourceID: s.id, Cause: err}
	}

	ch := make(chan policy.PolicyChange, 16)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
				s.reload(ctx, ch)
			}
		}
	}()
	return ch, nil
}

func (s *ConfigFileSource) reload(ctx context.Context, ch chan<- policy.PolicyChange) {
	doc, err := s.provider.Load(ctx)
	if err != nil {
		return
	}

	now := time.Now()
	fresh := make(map[policy.MethodID]policy.CachePolicy, len(doc.Entries))
	for _, e := range doc.Entries {
		fresh[e.MethodID] = entryToPolicy(s.id, e, now)
	}

	s.mu.Lock()
	previous := s.current
	s.current = fresh
	s.mu.Unlock()

	for methodID, p := range fresh {
		prev, existed := previous[methodID]
		if existed && prev.Equal(p) {
			continue
		}
		reason := policy.Updated
		if !existed {
			reason = policy.Added
		}
		select {
		case ch <- policy.PolicyChange{
			SourceID: s.id,
			MethodID: methodID,
			Delta:    policy.PolicyDelta{SetMask: p.Mask(), NewValues: p},
			Reason:   reason,
			At:       now,
		}:
		default:
		}
	}
	for methodID := range previous {
		if _, stillPresent := fresh[methodID]; !stillPresent {
			select {
			case ch <- policy.PolicyChange{
				SourceID: s.id,
				MethodID: methodID,
				Delta:    policy.PolicyDelta{ClearMask: 0b111111},
				Reason:   policy.Removed,
				At:       now,
			}:
			default:
			}
		}
	}
}
