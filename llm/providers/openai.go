package providers

import (
	"net/http"
	"os"
	"strings"

	"github.com/lemmalab/lemma/llm"
)

const defaultOpenAIBase = "https://api.openai.com/v1"

// OpenAIProvider speaks the hosted OpenAI chat API. The wire format is the
// OpenAI-compatible one OllamaProvider already implements, so the codec is
// embedded; only the default endpoint and the auth headers differ. OpenRouter
// runs through the same adapter with its base URL and the OPENROUTER_*
// attribution headers.
type OpenAIProvider struct {
	OllamaProvider
}

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// BuildURL resolves the chat-completions endpoint. An endpoint configured
// with the full path is used verbatim; a bare base gets the path appended.
// OPENAI_BASE_URL overrides the hosted default for proxy setups.
func (o *OpenAIProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBase
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// SetHeaders authenticates with OPENAI_API_KEY and forwards the optional
// OpenRouter attribution headers when set.
func (o *OpenAIProvider) SetHeaders(req *http.Request) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if site := os.Getenv("OPENROUTER_SITE_URL"); site != "" {
		req.Header.Set("HTTP-Referer", site)
	}
	if name := os.Getenv("OPENROUTER_SITE_NAME"); name != "" {
		req.Header.Set("X-Title", name)
	}
}
