package app

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/vtubeflow/config"
	inpipes "github.com/BaSui01/vtubeflow/input/pipelines"
	outpipes "github.com/BaSui01/vtubeflow/output/pipelines"
	"github.com/BaSui01/vtubeflow/pipeline"
	"github.com/BaSui01/vtubeflow/types"
)

func stageConfig(name string, pc config.PipelineConfig) pipeline.StageConfig {
	sc := pipeline.DefaultStageConfig(pc.Priority)
	if pc.ErrorHandling != "" {
		sc.ErrorHandling = pipeline.ErrorHandling(pc.ErrorHandling)
	}
	if pc.TimeoutSecs > 0 {
		sc.Timeout = config.Seconds(pc.TimeoutSecs, time.Second)
	}
	return sc
}

// buildInputChain assembles the enabled input pipelines. Unknown names
// are configuration errors.
func buildInputChain(cfg *config.Config, logger *zap.Logger) (*pipeline.Chain[*types.NormalizedMessage], error) {
	chain := pipeline.NewChain[*types.NormalizedMessage](logger)
	for name, pc := range cfg.Pipelines.Input {
		if !pc.Enabled {
			continue
		}
		var stage pipeline.Stage[*types.NormalizedMessage]
		switch name {
		case "ratelimit":
			rlCfg := inpipes.DefaultRateLimitConfig()
			if pc.GlobalRate > 0 {
				rlCfg.GlobalRate = pc.GlobalRate
			}
			if pc.UserRate > 0 {
				rlCfg.UserRate = pc.UserRate
			}
			if pc.WindowSecs > 0 {
				rlCfg.Window = config.Seconds(pc.WindowSecs, rlCfg.Window)
			}
			stage = inpipes.NewRateLimit(rlCfg)
		case "similarity":
			simCfg := inpipes.DefaultSimilarityConfig()
			if pc.Threshold > 0 {
				simCfg.Threshold = pc.Threshold
			}
			if pc.HistorySize > 0 {
				simCfg.HistorySize = pc.HistorySize
			}
			if pc.TimeWindowSecs > 0 {
				simCfg.TimeWindow = config.Seconds(pc.TimeWindowSecs, simCfg.TimeWindow)
			}
			stage = inpipes.NewSimilarity(simCfg)
		default:
			return nil, fmt.Errorf("pipelines.input.%s: unknown pipeline (known: ratelimit, similarity)", name)
		}
		chain.Add(stage, stageConfig(name, pc))
	}
	return chain, nil
}

// buildOutputChain assembles the enabled output pipelines.
func buildOutputChain(cfg *config.Config, logger *zap.Logger) (*pipeline.Chain[*types.ExpressionParameters], error) {
	chain := pipeline.NewChain[*types.ExpressionParameters](logger)
	for name, pc := range cfg.Pipelines.Output {
		if !pc.Enabled {
			continue
		}
		var stage pipeline.Stage[*types.ExpressionParameters]
		switch name {
		case "profanity":
			p, err := outpipes.NewProfanity(outpipes.ProfanityConfig{
				Words:       pc.Words,
				Replacement: pc.Replacement,
			})
			if err != nil {
				return nil, fmt.Errorf("pipelines.output.profanity: %w", err)
			}
			stage = p
		case "textlength":
			stage = outpipes.NewTextLength(outpipes.TextLengthConfig{MaxLength: pc.MaxLength})
		default:
			return nil, fmt.Errorf("pipelines.output.%s: unknown pipeline (known: profanity, textlength)", name)
		}
		chain.Add(stage, stageConfig(name, pc))
	}
	return chain, nil
}
