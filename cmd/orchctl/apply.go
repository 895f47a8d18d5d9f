package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"connector-orchestrator/internal/models"
)

// Manifest declares control-plane objects for one tenant. Connectors refer to policies
// by name and to secret refs by ref.
type Manifest struct {
	Reason     string              `yaml:"reason"`
	SecretRefs []ManifestSecretRef `yaml:"secret_refs"`
	Policies   []ManifestPolicy    `yaml:"policies"`
	Connectors []ManifestConnector `yaml:"connectors"`
}

type ManifestSecretRef struct {
	Provider string  `yaml:"provider"`
	Ref      string  `yaml:"ref"`
	Version  *string `yaml:"version"`
}

type ManifestPolicy struct {
	Name           string         `yaml:"name"`
	RateLimit      map[string]any `yaml:"rate_limit"`
	Retry          map[string]any `yaml:"retry"`
	Timeout        map[string]any `yaml:"timeout"`
	CircuitBreaker map[string]any `yaml:"circuit_breaker"`
	Concurrency    map[string]any `yaml:"concurrency"`
}

type ManifestConnector struct {
	Name      string         `yaml:"name"`
	Type      string         `yaml:"type"`
	Settings  map[string]any `yaml:"settings"`
	Policy    string         `yaml:"policy"`
	SecretRef string         `yaml:"secret_ref"`
}

func loadManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("manifest is empty")
		}
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, m.validate()
}

func (m *Manifest) validate() error {
	if m.Reason == "" {
		return errors.New("manifest: reason is required")
	}
	refs := map[string]bool{}
	for i, s := range m.SecretRefs {
		if s.Provider == "" || s.Ref == "" {
			return fmt.Errorf("manifest: secret_refs[%d] needs provider and ref", i)
		}
		refs[s.Ref] = true
	}
	policies := map[string]bool{}
	for i, p := range m.Policies {
		if p.Name == "" {
			return fmt.Errorf("manifest: policies[%d] needs a name", i)
		}
		if policies[p.Name] {
			return fmt.Errorf("manifest: policy %q declared twice", p.Name)
		}
		policies[p.Name] = true
	}
	for i, c := range m.Connectors {
		if c.Name == "" || c.Type == "" {
			return fmt.Errorf("manifest: connectors[%d] needs name and type", i)
		}
		if c.Policy != "" && !policies[c.Policy] {
			return fmt.Errorf("manifest: connector %q uses undeclared policy %q", c.Name, c.Policy)
		}
		if c.SecretRef != "" && !refs[c.SecretRef] {
			return fmt.Errorf("manifest: connector %q uses undeclared secret_ref %q", c.Name, c.SecretRef)
		}
	}
	return nil
}

// applier creates whatever the manifest declares that the API does not have yet.
// Existing objects are matched by name (or ref) and left alone.
type applier struct {
	c      *client
	out    io.Writer
	dryRun bool
}

func (a *applier) apply(ctx context.Context, m *Manifest) error {
	refIDs, err := a.secretRefs(ctx, m)
	if err != nil {
		return err
	}
	policyIDs, err := a.policies(ctx, m)
	if err != nil {
		return err
	}
	return a.connectors(ctx, m, refIDs, policyIDs)
}

func (a *applier) secretRefs(ctx context.Context, m *Manifest) (map[string]string, error) {
	var existing struct {
		SecretRefs []models.SecretRef `json:"secret_refs"`
	}
	if _, err := a.c.do(ctx, "GET", "/secret-refs", nil, &existing); err != nil {
		return nil, err
	}
	ids := map[string]string{}
	for _, s := range existing.SecretRefs {
		ids[s.Ref] = s.ID
	}
	for _, s := range m.SecretRefs {
		if _, ok := ids[s.Ref]; ok {
			fmt.Fprintf(a.out, "secret_ref %s unchanged\n", s.Ref)
			continue
		}
		id, err := a.create(ctx, "/secret-refs", map[string]any{
			"provider": s.Provider,
			"ref":      s.Ref,
			"version":  s.Version,
			"reason":   m.Reason,
		})
		if err != nil {
			return nil, fmt.Errorf("secret_ref %s: %w", s.Ref, err)
		}
		ids[s.Ref] = id
		fmt.Fprintf(a.out, "secret_ref %s created\n", s.Ref)
	}
	return ids, nil
}

func (a *applier) policies(ctx context.Context, m *Manifest) (map[string]string, error) {
	var existing struct {
		Policies []models.Policy `json:"policies"`
	}
	if _, err := a.c.do(ctx, "GET", "/policies", nil, &existing); err != nil {
		return nil, err
	}
	ids := map[string]string{}
	for _, p := range existing.Policies {
		ids[p.Name] = p.ID
	}
	for _, p := range m.Policies {
		if _, ok := ids[p.Name]; ok {
			fmt.Fprintf(a.out, "policy %s unchanged\n", p.Name)
			continue
		}
		id, err := a.create(ctx, "/policies", map[string]any{
			"name":                 p.Name,
			"rate_limit_json":      p.RateLimit,
			"retry_json":           p.Retry,
			"timeout_json":         p.Timeout,
			"circuit_breaker_json": p.CircuitBreaker,
			"concurrency_json":     p.Concurrency,
			"reason":               m.Reason,
		})
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.Name, err)
		}
		ids[p.Name] = id
		fmt.Fprintf(a.out, "policy %s created\n", p.Name)
	}
	return ids, nil
}

func (a *applier) connectors(ctx context.Context, m *Manifest, refIDs, policyIDs map[string]string) error {
	var existing struct {
		Connectors []models.Connector `json:"connectors"`
	}
	if _, err := a.c.do(ctx, "GET", "/connectors", nil, &existing); err != nil {
		return err
	}
	have := map[string]bool{}
	for _, c := range existing.Connectors {
		have[c.Name] = true
	}
	for _, c := range m.Connectors {
		if have[c.Name] {
			fmt.Fprintf(a.out, "connector %s unchanged\n", c.Name)
			continue
		}
		body := map[string]any{
			"type":     c.Type,
			"name":     c.Name,
			"settings": c.Settings,
			"reason":   m.Reason,
		}
		if c.Policy != "" {
			body["policy_id"] = policyIDs[c.Policy]
		}
		if c.SecretRef != "" {
			body["secret_ref_id"] = refIDs[c.SecretRef]
		}
		if _, err := a.create(ctx, "/connectors", body); err != nil {
			return fmt.Errorf("connector %s: %w", c.Name, err)
		}
		fmt.Fprintf(a.out, "connector %s created\n", c.Name)
	}
	return nil
}

func (a *applier) create(ctx context.Context, path string, body map[string]any) (string, error) {
	if a.dryRun {
		return "(dry-run)", nil
	}
	var out struct {
		ID string `json:"id"`
	}
	if _, err := a.c.do(ctx, "POST", path, body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func applyCmd() *cobra.Command {
	var (
		file   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create secret refs, policies and connectors from a YAML manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = os.Stdin
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			m, err := loadManifest(r)
			if err != nil {
				return err
			}
			a := &applier{c: newClientFromFlags(), out: cmd.OutOrStdout(), dryRun: dryRun}
			return a.apply(cmd.Context(), m)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Manifest path, or - for stdin (required)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be created without creating it")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
