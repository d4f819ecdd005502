// Command cacheinspect dumps the effective policy and key-generator
// resolution for a method id, against a small demo registry wired the same
// way an embedding program wires its own: AttributeSource +
// RuntimeOverrideSource feeding a policy.Resolver and policy.Registry.
//
// Supplemental tooling, not core to the caching runtime — see
// cachemanager, coordinator, and storage for the actual cache path.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cachemesh/runtime/corectx"
	"github.com/cachemesh/runtime/keygen"
	"github.com/cachemesh/runtime/policy"
	"github.com/cachemesh/runtime/policy/sources"
)

var seedPath string

func main() {
	root := &cobra.Command{
		Use:   "cacheinspect",
		Short: "Inspect effective cache policies and key generation for a method id",
	}
	root.PersistentFlags().StringVar(&seedPath, "seed", "", "path to a YAML seed file of attribute/override registrations")

	root.AddCommand(newPolicyCmd(), newKeygenCmd(), newListCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// inspector bundles the resolver/registry stack built from the seed data,
// shared by every subcommand.
type inspector struct {
	resolver  *policy.Resolver
	registry  *policy.Registry
	keygens   *keygen.Registry
	attrs     *sources.AttributeSource
	overrides *sources.RuntimeOverrideSource
}

func buildInspector() (*inspector, error) {
	cc := corectx.Default()
	resolver := policy.NewResolver(cc)

	attrs := sources.NewAttributeSource()
	fluent := sources.NewFluentSource()
	overrides := sources.NewRuntimeOverrideSource()

	if err := loadSeed(seedPath, attrs, overrides); err != nil {
		return nil, err
	}

	resolver.RegisterSource(attrs, policy.PriorityAttributes)
	resolver.RegisterSource(fluent, policy.PriorityFluent)
	resolver.RegisterSource(overrides, policy.PriorityRuntimeOverride)

	registry := policy.NewRegistry(resolver)
	keygens := keygen.NewRegistry(keygen.NewFastHash())

	return &inspector{resolver: resolver, registry: registry, keygens: keygens, attrs: attrs, overrides: overrides}, nil
}

// knownMethodIDs resolves every method id the seed data declares, so the
// registry has observed (and cached) each one before a caller reads
// Registry.MethodIDs.
func (ins *inspector) knownMethodIDs() []policy.MethodID {
	for _, id := range ins.attrs.MethodIDs() {
		ins.registry.GetPolicy(context.Background(), id)
	}
	return ins.registry.MethodIDs()
}

func newPolicyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "policy <service> <method>",
		Short: "Print the effective CachePolicy and its provenance for a method id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ins, err := buildInspector()
			if err != nil {
				return err
			}
			methodID := policy.NewMethodID(args[0], args[1])
			p := ins.registry.GetPolicy(context.Background(), methodID)
			return printJSON(policyView{
				MethodID:      methodID,
				Policy:        p,
				Contributions: ins.registry.GetContributions(context.Background(), methodID),
			})
		},
	}
}

type policyView struct {
	MethodID      policy.MethodID       `json:"method_id"`
	Policy        policy.CachePolicy    `json:"policy"`
	Contributions []policy.Contribution `json:"contributions"`
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen <service> <method> [args...]",
		Short: "Show which generator resolves for a method id and the key it produces for the given args",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ins, err := buildInspector()
			if err != nil {
				return err
			}
			methodID := policy.NewMethodID(args[0], args[1])
			p := ins.registry.GetPolicy(context.Background(), methodID)

			callArgs := make([]any, len(args)-2)
			for i, a := range args[2:] {
				callArgs[i] = a
			}

			gen := ins.keygens.Resolve(p.KeyGeneratorType)
			key := gen.Generate(keygen.Request{MethodID: methodID, Args: callArgs, Policy: p})

			return printJSON(map[string]any{
				"method_id": methodID,
				"generator": gen.Name(),
				"key":       key,
			})
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List method ids known to the seed data",
		RunE: func(cmd *cobra.Command, args []string) error {
			ins, err := buildInspector()
			if err != nil {
				return err
			}
			return printJSON(ins.knownMethodIDs())
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
