package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the pipeline
// knobs, the log level, the context cache TTL, and the agent roster.
// Provider, store, and server changes need a restart.
type ConfigDiff struct {
	PipelineChanged bool           // true if any pipeline knob changed
	NewPipeline     PipelineConfig // the full new pipeline block when changed
	CacheTTLChanged bool
	NewCacheTTLMs   int
	AgentsChanged   bool        // true if any agent was added, removed, or modified
	AgentChanges    []AgentDiff // per-agent diffs
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// AgentDiff describes what changed for a single agent between two configs.
type AgentDiff struct {
	Name          string
	PromptChanged bool
	ModelChanged  bool
	VoiceChanged  bool
	Added         bool
	Removed       bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Pipeline knobs are plain values; compare the whole block.
	if old.Pipeline != new.Pipeline {
		d.PipelineChanged = true
		d.NewPipeline = new.Pipeline
	}

	if old.Store.ContextCacheTTLMs != new.Store.ContextCacheTTLMs {
		d.CacheTTLChanged = true
		d.NewCacheTTLMs = new.Store.ContextCacheTTLMs
	}

	// Build agent lookup maps keyed by name.
	oldAgents := make(map[string]*AgentConfig, len(old.Agents))
	for i := range old.Agents {
		oldAgents[old.Agents[i].Name] = &old.Agents[i]
	}
	newAgents := make(map[string]*AgentConfig, len(new.Agents))
	for i := range new.Agents {
		newAgents[new.Agents[i].Name] = &new.Agents[i]
	}

	// Detect modified and removed agents.
	for name, oldAgent := range oldAgents {
		newAgent, exists := newAgents[name]
		if !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{
				Name:    name,
				Removed: true,
			})
			d.AgentsChanged = true
			continue
		}
		ad := diffAgent(name, oldAgent, newAgent)
		if ad.PromptChanged || ad.ModelChanged || ad.VoiceChanged {
			d.AgentChanges = append(d.AgentChanges, ad)
			d.AgentsChanged = true
		}
	}

	// Detect added agents.
	for name := range newAgents {
		if _, exists := oldAgents[name]; !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{
				Name:  name,
				Added: true,
			})
			d.AgentsChanged = true
		}
	}

	return d
}

// diffAgent compares two agent configs with the same name.
func diffAgent(name string, old, new *AgentConfig) AgentDiff {
	ad := AgentDiff{Name: name}

	if old.SystemPrompt != new.SystemPrompt {
		ad.PromptChanged = true
	}

	if old.Provider != new.Provider || old.Model != new.Model ||
		old.Temperature != new.Temperature || old.MaxTokens != new.MaxTokens {
		ad.ModelChanged = true
	}

	if old.Voice != new.Voice || old.Language != new.Language {
		ad.VoiceChanged = true
	}

	return ad
}
