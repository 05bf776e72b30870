package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"threadsync/internal/logging"
)

const searchTimeout = 10 * time.Second

// InitToolsChain returns the tools available to the reply agent.
func InitToolsChain(ctx context.Context) []tool.BaseTool {
	var tools []tool.BaseTool
	if ws := InitWebSearch(ctx); ws != nil {
		tools = append(tools, ws)
	}
	return tools
}

// InitWebSearch combines the configured search providers into one
// web_search tool that falls back from google to duckduckgo.
func InitWebSearch(ctx context.Context) tool.InvokableTool {
	log := logging.For("web-search")
	var providers []searchProvider
	if google := initGoogleSearch(ctx, log); google != nil {
		providers = append(providers, searchProvider{name: "google", tool: google})
	}
	if duck := initDuckDuckGo(ctx, log); duck != nil {
		providers = append(providers, searchProvider{name: "duckduckgo", tool: duck})
	}
	if len(providers) == 0 {
		log.Warn().Msg("web search tool disabled: no search providers available")
		return nil
	}

	ws := &webSearchTool{providers: providers, log: log}
	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for current information; automatically falls back to another provider if needed.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

type searchProvider struct {
	name string
	tool tool.InvokableTool
}

type webSearchTool struct {
	providers []searchProvider
	log       zerolog.Logger
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}

	for _, p := range w.providers {
		result, err := p.tool.InvokableRun(ctx, string(payload))
		if err == nil {
			return result, nil
		}
		w.log.Warn().Err(err).Str("search_provider", p.name).Msg("search failed")
	}
	return "", errors.New("no search provider succeeded")
}

func initDuckDuckGo(ctx context.Context, log zerolog.Logger) tool.InvokableTool {
	duckTool, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    searchTimeout,
	})
	if err != nil {
		log.Warn().Err(err).Msg("duckduckgo search disabled")
		return nil
	}
	return duckTool
}

func initGoogleSearch(ctx context.Context, log zerolog.Logger) tool.InvokableTool {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	engineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if apiKey == "" || engineID == "" {
		log.Debug().Msg("google search disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         apiKey,
		SearchEngineID: engineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		log.Warn().Err(err).Msg("google search disabled")
		return nil
	}
	return googleTool
}
