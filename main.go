package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tanpawarit/Chative-Expert-Panel/agent/agents/expert"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/agents/orchestrator"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/agents/planner"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/agents/react"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/agents/selector"
	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/llm"
	nodex "github.com/tanpawarit/Chative-Expert-Panel/agent/nodes/orchestrator"
	promptx "github.com/tanpawarit/Chative-Expert-Panel/agent/prompt"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retrieval"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/state"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/store"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/telemetry"
	toolx "github.com/tanpawarit/Chative-Expert-Panel/agent/tool"
	configx "github.com/tanpawarit/Chative-Expert-Panel/pkg/config"
	"github.com/tanpawarit/Chative-Expert-Panel/pkg/httpapi"
	_ "github.com/tanpawarit/Chative-Expert-Panel/pkg/logger/autoload"
	"github.com/tanpawarit/Chative-Expert-Panel/pkg/otelx"
	qstashx "github.com/tanpawarit/Chative-Expert-Panel/pkg/qstash"
)

var seedFlag = flag.Bool("seed", false, "embed and upsert the bundled agents and documents, then exit")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.Logger.WithContext(ctx)

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("expert panel exited")
	}
}

func run(ctx context.Context) error {
	dbCfg := configx.MustNew[store.Config]("DB")
	llmCfg := configx.MustNew[llm.Config]("LLM")
	orchCfg := configx.MustNew[orchestrator.Config]("ORCHESTRATOR")
	retrievalCfg := configx.MustNew[retrieval.Config]("RETRIEVAL")
	telemetryCfg := configx.MustNew[telemetry.Config]("TELEMETRY")
	otelCfg := configx.MustNew[otelx.Config]("OTEL")
	httpCfg := configx.MustNew[httpapi.Config]("HTTP")

	providers, err := otelx.Init(ctx, *otelCfg)
	if err != nil {
		return err
	}
	defer shutdown("otel", providers.Shutdown)

	st, err := store.Open(ctx, *dbCfg)
	if err != nil {
		return err
	}
	defer st.Close()

	embedder, err := llm.NewEmbedder(*llmCfg)
	if err != nil {
		return err
	}

	if *seedFlag {
		data, err := store.DefaultSeed()
		if err != nil {
			return err
		}
		if err := st.Seed(ctx, embedder, data); err != nil {
			return err
		}
		log.Info().Int("agents", len(data.Agents)).Int("documents", len(data.Documents)).Msg("seed complete")
		return nil
	}

	policy := orchCfg.Retry.Policy()
	retriever, err := retrieval.New(embedder, st, *retrievalCfg)
	if err != nil {
		return err
	}
	registry := toolx.NewDefaultRegistry(retriever)
	gateway := toolx.NewGateway(registry)

	models, err := llm.NewModels(ctx, *llmCfg, registry)
	if err != nil {
		return err
	}
	prompts := promptx.LoadPromptSet()

	sel, err := selector.New(ctx, models.Classifier, prompts.Classifier, embedder, st, orchCfg.Selector,
		selector.WithPolicy(policy),
		selector.WithAvailableTools(registry.Names()),
	)
	if err != nil {
		return err
	}
	plan, err := planner.New(ctx, models.Planner, prompts.Planner, prompts.PlannerStrict, orchCfg.Planner,
		planner.WithPolicy(policy),
	)
	if err != nil {
		return err
	}
	engine, err := react.New(ctx, models.ReAct, prompts.ReAct, retriever, gateway, orchCfg.ReAct,
		react.WithPolicy(policy),
		react.WithActionPolicy(policy),
	)
	if err != nil {
		return err
	}
	answerer, err := expert.New(ctx, models.Answer, registry, expert.Prompts{
		Answer:       prompts.Answer,
		Synthesis:    prompts.Synthesis,
		ToolPlanning: prompts.ToolPlanning,
	}, expert.WithPolicy(policy))
	if err != nil {
		return err
	}

	var auditOpts []telemetry.AuditOption
	qstashCfg, err := configx.Optional[qstashx.Config]("QSTASH")
	if err != nil {
		return err
	}
	if qstashCfg != nil {
		client, err := qstashx.NewClient(*qstashCfg)
		if err != nil {
			return err
		}
		auditOpts = append(auditOpts, telemetry.WithPublisher(client, qstashCfg.Destination))
		log.Info().Msg("audit records are also published to qstash")
	}
	audit := telemetry.NewAuditLog(st, *telemetryCfg, auditOpts...)
	defer shutdown("audit", audit.Close)

	metrics, err := telemetry.NewMetrics(st, providers.MeterProvider.Meter("expert-panel"), *telemetryCfg)
	if err != nil {
		return err
	}
	defer shutdown("metrics", metrics.Close)

	history, err := conversationStore()
	if err != nil {
		return err
	}

	svc, err := orchestrator.New(ctx, nodex.Deps{
		Directory: st,
		Selector:  sel,
		Planner:   plan,
		Reasoner:  engine,
		Answerer:  answerer,
		Retriever: retriever,
		Tools:     gateway,
		History:   history,
	}, *orchCfg,
		orchestrator.WithAudit(audit),
		orchestrator.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	server, err := httpapi.New(svc, *httpCfg, httpapi.WithMetricsSource(providers))
	if err != nil {
		return err
	}
	return server.ListenAndServe(ctx)
}

// conversationStore uses Upstash when UPSTASH_REDIS_* is set and keeps
// history in process otherwise.
func conversationStore() (contractx.ConversationStore, error) {
	redisCfg, err := configx.Optional[state.UpstashRedisConfig]("UPSTASH_REDIS")
	if err != nil {
		return nil, err
	}
	if redisCfg == nil {
		log.Warn().Msg("UPSTASH_REDIS is not configured, conversation history is kept in memory")
		return state.NewMemoryStore(20), nil
	}
	redis, err := state.NewUpstashRedisStore(*redisCfg)
	if err != nil {
		return nil, err
	}
	return redis, nil
}

func shutdown(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Error().Err(err).Str("component", name).Msg("shutdown failed")
	}
}
