// Package credential resolves a tool's credential requirement into the HTTP
// headers the dispatcher attaches. Storage and decryption are separated:
// the persistence layer returns opaque records, a provider registry turns a
// record into its secret payload, and the resolver maps the payload to
// headers by auth type.
package credential

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/execbroker/execbroker/persistence"
	"github.com/execbroker/execbroker/toolerrors"
	"github.com/execbroker/execbroker/toolsource"
)

type (
	// Provider decrypts one credential record into its key/value payload.
	// Providers may reach external vaults; that I/O is their concern.
	Provider interface {
		Decrypt(ctx context.Context, record *persistence.Credential) (map[string]string, error)
	}

	// Registry maps a record's provider name to its Provider. Safe for
	// concurrent use.
	Registry struct {
		mu        sync.RWMutex
		providers map[string]Provider
	}

	// Resolver produces request headers for a tool's credential spec.
	Resolver struct {
		store     persistence.Store
		providers *Registry
	}
)

// NewRegistry constructs a Registry with the plaintext provider
// pre-registered under "" and "plaintext", so records without an explicit
// provider resolve locally.
func NewRegistry() *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	plain := PlaintextProvider{}
	r.Register("", plain)
	r.Register("plaintext", plain)
	return r
}

// Register installs a provider under name, replacing any previous one.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

func (r *Registry) lookup(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// NewResolver constructs a Resolver.
func NewResolver(store persistence.Store, providers *Registry) *Resolver {
	if providers == nil {
		providers = NewRegistry()
	}
	return &Resolver{store: store, providers: providers}
}

// Resolve looks up the credential record for spec in the task's workspace,
// decrypts it through the record's provider, and maps the payload to
// headers. An absent record is a MissingCredential error; a payload that
// produces no header returns nil headers and no error.
func (r *Resolver) Resolve(ctx context.Context, spec *toolsource.CredentialSpec, workspaceID, actorID string) (map[string]string, error) {
	scope := persistence.CredentialScopeWorkspace
	lookupActor := ""
	if spec.Mode == "actor" {
		scope = persistence.CredentialScopeActor
		lookupActor = actorID
	}
	record, err := r.store.ResolveCredential(ctx, workspaceID, spec.SourceKey, scope, lookupActor)
	if err != nil {
		return nil, fmt.Errorf("credential: resolve %s: %w", spec.SourceKey, err)
	}
	if record == nil {
		return nil, &toolerrors.MissingCredential{SourceKey: spec.SourceKey, Mode: spec.Mode}
	}

	provider, ok := r.providers.lookup(record.Provider)
	if !ok {
		return nil, &toolerrors.MissingCredential{
			SourceKey: spec.SourceKey,
			Mode:      spec.Mode,
			Cause:     fmt.Errorf("unknown provider %q", record.Provider),
		}
	}
	payload, err := provider.Decrypt(ctx, record)
	if err != nil {
		return nil, &toolerrors.MissingCredential{SourceKey: spec.SourceKey, Mode: spec.Mode, Cause: err}
	}

	headers := headersFromPayload(spec, payload)

	// Raw overrides win over anything the auth type produced.
	if record.OverridesJSON != nil {
		if extra, ok := record.OverridesJSON["headers"].(map[string]any); ok {
			if headers == nil && len(extra) > 0 {
				headers = make(map[string]string, len(extra))
			}
			for k, v := range extra {
				if s, ok := v.(string); ok {
					headers[strings.ToLower(k)] = s
				}
			}
		}
	}
	if len(headers) == 0 {
		return nil, nil
	}
	return headers, nil
}

func headersFromPayload(spec *toolsource.CredentialSpec, payload map[string]string) map[string]string {
	switch spec.AuthType {
	case "bearer":
		token := strings.TrimSpace(payload["token"])
		if token == "" {
			return nil
		}
		return map[string]string{"authorization": "Bearer " + token}
	case "apiKey":
		header := spec.HeaderName
		if header == "" {
			header = payload["headerName"]
		}
		if header == "" {
			header = "x-api-key"
		}
		value := payload["value"]
		if value == "" {
			value = payload["token"]
		}
		if value == "" {
			return nil
		}
		return map[string]string{strings.ToLower(header): value}
	case "basic":
		user := payload["username"]
		if user == "" {
			user = payload["user"]
		}
		pass := payload["password"]
		if pass == "" {
			pass = payload["pass"]
		}
		if user == "" && pass == "" {
			return nil
		}
		return map[string]string{"authorization": "Basic " + basicToken(user, pass)}
	default:
		return nil
	}
}

func basicToken(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
