package catalog

import (
	"encoding/json"
	"math"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/davidbz/chatrelay/internal/domain"
)

const (
	perMillion   = 1_000_000
	pricePrecision = 10_000
	defaultIcon  = "/openai.svg"
)

type providerInfo struct {
	name string
	icon string
}

var knownProviders = map[string]providerInfo{
	"anthropic": {name: "Anthropic", icon: "/anthropic.svg"},
	"openai":    {name: "OpenAI", icon: "/openai.svg"},
	"google":    {name: "Google", icon: "/google.svg"},
}

// Well-known model id prefixes for upstreams that list bare ids.
var modelPrefixes = []struct {
	prefix   string
	provider string
}{
	{prefix: "gpt-", provider: "openai"},
	{prefix: "claude-", provider: "anthropic"},
	{prefix: "gemini-", provider: "google"},
}

// Transform groups raw upstream models into providers, keeping the upstream order.
// Per-token OpenRouter prices are converted to USD per million tokens.
func Transform(models []json.RawMessage, sourceURL string) []domain.CatalogProvider {
	providers := make([]domain.CatalogProvider, 0)
	index := make(map[string]int)

	for _, raw := range models {
		doc := gjson.ParseBytes(raw)

		id := doc.Get("id").String()
		if id == "" {
			continue
		}

		providerID, modelName := splitModelID(id, sourceURL)

		i, ok := index[providerID]
		if !ok {
			info := lookupProvider(providerID)
			providers = append(providers, domain.CatalogProvider{
				ID:     providerID,
				Name:   info.name,
				Icon:   info.icon,
				Models: []domain.CatalogModel{},
			})
			i = len(providers) - 1
			index[providerID] = i
		}

		providers[i].Models = append(providers[i].Models, domain.CatalogModel{
			ID:   id,
			Name: displayName(doc.Get("name").String(), modelName),
			Pricing: domain.ModelPricing{
				Input:       pricePerMillion(doc.Get("pricing.prompt")),
				CachedInput: pricePerMillion(doc.Get("pricing.input_cache_read")),
				Output:      pricePerMillion(doc.Get("pricing.completion")),
			},
		})
	}

	return providers
}

func splitModelID(id, sourceURL string) (string, string) {
	if providerID, modelName, ok := strings.Cut(id, "/"); ok && providerID != "" {
		return providerID, modelName
	}

	for _, p := range modelPrefixes {
		if strings.HasPrefix(id, p.prefix) {
			return p.provider, id
		}
	}

	return hostLabel(sourceURL), id
}

// hostLabel is the first label of the source host, e.g. "api" for api.example.com.
func hostLabel(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil || u.Hostname() == "" {
		return "custom"
	}

	label, _, _ := strings.Cut(u.Hostname(), ".")
	return label
}

func lookupProvider(id string) providerInfo {
	if info, ok := knownProviders[id]; ok {
		return info
	}

	return providerInfo{
		name: strings.ToUpper(id[:1]) + id[1:],
		icon: defaultIcon,
	}
}

// displayName drops a "Vendor: " prefix from upstream display names.
func displayName(name, fallback string) string {
	if name == "" {
		return fallback
	}
	if _, rest, ok := strings.Cut(name, ": "); ok && rest != "" {
		return rest
	}
	return name
}

func pricePerMillion(v gjson.Result) float64 {
	if !v.Exists() {
		return 0
	}
	return math.Round(v.Float()*perMillion*pricePrecision) / pricePrecision
}
