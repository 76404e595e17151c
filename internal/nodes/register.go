package nodes

import (
	"github.com/codefionn/scriptschnell/internal/config"
	"github.com/codefionn/scriptschnell/internal/node"
)

// Register installs every reference node type into r. A freshly constructed
// graph engine registers against a registry built this way before loading
// any graph file (spec §4.5 overview: "the standard set ships registered
// for every graph"). cfg supplies the process-wide backend defaults
// (apiKey/baseURL) a graph node's own config can still override.
func Register(r *node.Registry, cfg *config.Config) error {
	entries := []struct {
		meta node.Metadata
		ctor node.Constructor
	}{
		{ACPInputNodeMeta(), NewACPInputNode},
		{ACPOutputNodeMeta(), NewACPOutputNode},
		{PassthroughMeta(), NewPassthrough},

		{AnthropicTranslatorMeta(), NewAnthropicTranslator},
		{OpenAITranslatorMeta(), NewOpenAITranslator},
		{OllamaTranslatorMeta(), NewOllamaTranslator},
		{PiTranslatorMeta(), NewPiTranslator},

		{AnthropicClientMeta(), withBackendDefaults(cfg, "anthropic", "ANTHROPIC_API_KEY", NewAnthropicClient)},
		{OpenAIClientMeta(), withBackendDefaults(cfg, "openai", "OPENAI_API_KEY", NewOpenAIClient)},
		{OllamaClientMeta(), withBackendDefaults(cfg, "ollama", "", NewOllamaClient)},
		{PiClientMeta(), NewPiClient},

		{AnthropicNormalizerMeta(), NewAnthropicNormalizer},
		{OpenAINormalizerMeta(), NewOpenAINormalizer},
		{OllamaNormalizerMeta(), NewOllamaNormalizer},
		{PiNormalizerMeta(), NewPiNormalizer},

		{SplitterMeta(), NewSplitter},
		{CombinerMeta(), NewCombiner},
		{AnalyzedCombinerMeta(), NewAnalyzedCombiner},
		{BackendRouterMeta(), NewBackendRouter},
		{MetaRouterMeta(), NewMetaRouter},
	}

	for _, e := range entries {
		if err := r.Register(e.meta, e.ctor); err != nil {
			return err
		}
	}
	return nil
}

// withBackendDefaults wraps a Client constructor so that, before it runs, a
// graph node's own "apiKey"/"baseURL" config is backfilled from cfg.Backends
// (config.json's per-backend defaults) whenever the node omits them. A
// node-local value always wins; cfg may be nil in tests that register
// without a loaded configuration.
func withBackendDefaults(cfg *config.Config, backendName, envVar string, ctor node.Constructor) node.Constructor {
	return func(nodeConfig map[string]interface{}) node.Node {
		if cfg == nil {
			return ctor(nodeConfig)
		}
		merged := make(map[string]interface{}, len(nodeConfig)+2)
		for k, v := range nodeConfig {
			merged[k] = v
		}
		if _, ok := merged["apiKey"]; !ok {
			if key := cfg.BackendCredential(backendName, envVar); key != "" {
				merged["apiKey"] = key
			}
		}
		if _, ok := merged["baseURL"]; !ok {
			if url := cfg.BackendBaseURL(backendName, ""); url != "" {
				merged["baseURL"] = url
			}
		}
		return ctor(merged)
	}
}
