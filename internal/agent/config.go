package agent

import (
	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/prompts"
)

// Config bounds one agent's runs.
type Config struct {
	MaxSteps             int
	MaxConsecutiveErrors int
	RepeatToolLimit      int
	StuckResetAt         int
	StuckTerminateAt     int
	ProgressWindow       int
	ProgressMinDistinct  int
	MaxObserve           int
	MaxPlanningAttempts  int
	ToolChoice           llm.ToolChoice

	// Planning enables task analysis before the loop and replanning
	// after failed tools.
	Planning bool

	// SystemPrompt overrides the default system prompt.
	SystemPrompt string
}

// DefaultConfig returns the built-in limits with planning off.
func DefaultConfig() Config {
	return Config{
		MaxSteps:             config.DefaultMaxSteps,
		MaxConsecutiveErrors: config.DefaultMaxConsecutiveErrors,
		RepeatToolLimit:      config.DefaultRepeatToolLimit,
		StuckResetAt:         config.DefaultStuckResetAt,
		StuckTerminateAt:     config.DefaultStuckTerminateAt,
		ProgressWindow:       config.DefaultProgressWindow,
		ProgressMinDistinct:  config.DefaultProgressMinDistinct,
		MaxObserve:           config.DefaultMaxObserve,
		MaxPlanningAttempts:  config.DefaultMaxPlanningAttempts,
		ToolChoice:           llm.ToolChoiceAuto,
	}
}

// ConfigFrom converts the agent section of the config file.
func ConfigFrom(c config.AgentConfig) Config {
	return Config{
		MaxSteps:             c.MaxSteps,
		MaxConsecutiveErrors: c.MaxConsecutiveErrors,
		RepeatToolLimit:      c.RepeatToolLimit,
		StuckResetAt:         c.StuckResetAt,
		StuckTerminateAt:     c.StuckTerminateAt,
		ProgressWindow:       c.ProgressWindow,
		ProgressMinDistinct:  c.ProgressMinDistinct,
		MaxObserve:           c.MaxObserve,
		MaxPlanningAttempts:  c.MaxPlanningAttempts,
		ToolChoice:           llm.ParseToolChoice(c.ToolChoice),
		Planning:             c.PlanningEnabled(),
	}
}

// normalize fills zero fields from DefaultConfig.
func (c Config) normalize() Config {
	def := DefaultConfig()
	fill := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	fill(&c.MaxSteps, def.MaxSteps)
	fill(&c.MaxConsecutiveErrors, def.MaxConsecutiveErrors)
	fill(&c.RepeatToolLimit, def.RepeatToolLimit)
	fill(&c.StuckResetAt, def.StuckResetAt)
	fill(&c.StuckTerminateAt, def.StuckTerminateAt)
	fill(&c.ProgressWindow, def.ProgressWindow)
	fill(&c.ProgressMinDistinct, def.ProgressMinDistinct)
	fill(&c.MaxObserve, def.MaxObserve)
	fill(&c.MaxPlanningAttempts, def.MaxPlanningAttempts)
	if c.ToolChoice == "" {
		c.ToolChoice = llm.ToolChoiceAuto
	}
	return c
}

func (c Config) systemPrompt(toolNames []string) string {
	if c.SystemPrompt != "" {
		return c.SystemPrompt
	}
	return prompts.SystemPrompt(toolNames)
}
