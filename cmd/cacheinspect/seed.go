package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cachemesh/runtime/policy"
	"github.com/cachemesh/runtime/policy/sources"
)

// seedDocument is the YAML shape cacheinspect loads its demo registrations
// from. It is not the config-file source parser spec.md §1 places out of
// scope — that parses a production policy document at runtime; this is a
// throwaway fixture format for feeding the inspector something to resolve.
type seedDocument struct {
	Methods   []seedMethod `yaml:"methods"`
	Overrides []seedMethod `yaml:"overrides"`
}

type seedMethod struct {
	Service           string   `yaml:"service"`
	Method            string   `yaml:"method"`
	Duration          string   `yaml:"duration"`
	Tags              []string `yaml:"tags"`
	KeyGenerator      string   `yaml:"key_generator"`
	Version           *int64   `yaml:"version"`
	RequireIdempotent *bool    `yaml:"require_idempotent"`
}

func (m seedMethod) methodID() policy.MethodID {
	return policy.NewMethodID(m.Service, m.Method)
}

func (m seedMethod) toAttribute() (sources.AttributeRegistration, error) {
	reg := sources.AttributeRegistration{
		MethodID:         m.methodID(),
		Tags:             m.Tags,
		KeyGeneratorType: m.KeyGenerator,
	}
	if m.Duration != "" {
		d, err := time.ParseDuration(m.Duration)
		if err != nil {
			return reg, fmt.Errorf("seed: %s.%s: invalid duration %q: %w", m.Service, m.Method, m.Duration, err)
		}
		reg.Duration = policy.SomeDuration(d)
	}
	if m.Version != nil {
		reg.Version = policy.SomeInt64(*m.Version)
	}
	if m.RequireIdempotent != nil {
		reg.RequireIdempotent = policy.SomeBool(*m.RequireIdempotent)
	}
	return reg, nil
}

func (m seedMethod) toOverridePolicy() (policy.CachePolicy, error) {
	p := policy.CachePolicy{Tags: m.Tags, KeyGeneratorType: m.KeyGenerator}
	if m.Duration != "" {
		d, err := time.ParseDuration(m.Duration)
		if err != nil {
			return p, fmt.Errorf("seed override: %s.%s: invalid duration %q: %w", m.Service, m.Method, m.Duration, err)
		}
		p.Duration = policy.SomeDuration(d)
	}
	if m.Version != nil {
		p.Version = policy.SomeInt64(*m.Version)
	}
	if m.RequireIdempotent != nil {
		p.RequireIdempotent = policy.SomeBool(*m.RequireIdempotent)
	}
	return p, nil
}

// loadSeed reads path (if non-empty) and applies it on top of a handful of
// built-in sample registrations, so cacheinspect has something to show even
// with no seed file supplied.
func loadSeed(path string, attrs *sources.AttributeSource, overrides *sources.RuntimeOverrideSource) error {
	builtinAttributeSamples(attrs)

	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("seed: reading %s: %w", path, err)
	}

	var doc seedDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("seed: parsing %s: %w", path, err)
	}

	for _, m := range doc.Methods {
		reg, err := m.toAttribute()
		if err != nil {
			return err
		}
		attrs.RegisterAttribute(reg)
	}
	for _, m := range doc.Overrides {
		p, err := m.toOverridePolicy()
		if err != nil {
			return err
		}
		overrides.Set(m.methodID(), p)
	}
	return nil
}

// builtinAttributeSamples seeds a couple of illustrative methods so a fresh
// checkout of cacheinspect has something to inspect before any seed file is
// written.
func builtinAttributeSamples(attrs *sources.AttributeSource) {
	attrs.RegisterAttribute(sources.AttributeRegistration{
		MethodID:         policy.NewMethodID("OrdersService", "GetOrder"),
		Duration:         policy.SomeDuration(15 * time.Minute),
		Tags:             []string{"orders"},
		KeyGeneratorType: keygenDefault,
	})
	attrs.RegisterAttribute(sources.AttributeRegistration{
		MethodID:         policy.NewMethodID("OrdersService", "ListOrders"),
		Duration:         policy.SomeDuration(5 * time.Minute),
		Tags:             []string{"orders", "listings"},
		KeyGeneratorType: keygenDefault,
		Version:          policy.SomeInt64(1),
	})
}

const keygenDefault = "fasthash"
