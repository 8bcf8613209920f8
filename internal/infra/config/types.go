package config

import "strings"

// Environment identifies the runtime environment where audiosum operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Stage names a runnable component of the pipeline process.
type Stage string

const (
	StageAPI         Stage = "api"
	StageOutbox      Stage = "outbox"
	StageSplitter    Stage = "splitter"
	StageEnhancer    Stage = "enhancer"
	StageTranscriber Stage = "transcriber"
	StageRecorder    Stage = "recorder"
	StageSummarizer  Stage = "summarizer"
	StageProgress    Stage = "progress"
)

// AllStages lists every stage in start-up order. Consumers subscribe before the
// outbox relay starts publishing.
func AllStages() []Stage {
	return []Stage{
		StageProgress,
		StageRecorder,
		StageSummarizer,
		StageTranscriber,
		StageEnhancer,
		StageSplitter,
		StageOutbox,
		StageAPI,
	}
}

func parseStage(raw string) (Stage, bool) {
	s := Stage(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllStages() {
		if s == known {
			return s, true
		}
	}
	return "", false
}
