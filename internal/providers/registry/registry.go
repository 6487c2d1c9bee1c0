package registry

import (
	"fmt"
	"net/http"
	"strings"

	"chatgw/internal/providers"
	"chatgw/internal/providers/custom_http"
	"chatgw/internal/providers/openai_compat"
)

type BuildOptions struct {
	Name         string
	Kind         string
	BaseURL      string
	APIKey       string
	Headers      map[string]string
	BodyTemplate string
	Method       string
	HTTPClient   *http.Client
}

func Build(opts BuildOptions) (providers.Provider, error) {
	switch opts.Kind {
	case "openai_compat", "openai-compatible", "openai":
		return openai_compat.New(openai_compat.Config{
			Name:       opts.Name,
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			Headers:    opts.Headers,
			HTTPClient: opts.HTTPClient,
		}), nil

	case "custom_http", "custom":
		return custom_http.New(custom_http.Config{
			Name:         opts.Name,
			URL:          opts.BaseURL,
			APIKey:       opts.APIKey,
			Headers:      opts.Headers,
			BodyTemplate: opts.BodyTemplate,
			Method:       opts.Method,
			HTTPClient:   opts.HTTPClient,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}

// Resolver maps a model identifier to a provider by its optional
// "<provider>:" prefix. Bare or unrecognized prefixes route to the default
// provider and the id is rewritten with the default prefix, so
// OpenAI-compatible clients can send plain model names.
type Resolver struct {
	defaultName string
	byName      map[string]providers.Provider
}

func NewResolver(defaultName string, byName map[string]providers.Provider) (*Resolver, error) {
	if _, ok := byName[defaultName]; !ok {
		return nil, fmt.Errorf("default provider %q is not registered", defaultName)
	}
	return &Resolver{defaultName: defaultName, byName: byName}, nil
}

func (r *Resolver) Resolve(model string) (providers.Provider, string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, "", fmt.Errorf("model id is empty")
	}

	if name, _, ok := strings.Cut(model, ":"); ok {
		if p, known := r.byName[name]; known {
			return p, model, nil
		}
	}
	return r.byName[r.defaultName], r.defaultName + ":" + model, nil
}

// Normalize rewrites a model id the way Resolve would, without selecting a
// provider. Used by the OpenAI-compatible inbound shim.
func (r *Resolver) Normalize(model string) string {
	if name, _, ok := strings.Cut(model, ":"); ok {
		if _, known := r.byName[name]; known {
			return model
		}
	}
	return r.defaultName + ":" + model
}
