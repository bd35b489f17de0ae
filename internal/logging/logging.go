// Package logging builds the runtime's zap logger: level and encoder
// selection plus the --filter module allow-list applied as a core
// wrapper.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures logger construction.
type Options struct {
	// Level is debug / info / warn / error; empty means info.
	Level string
	// Debug selects the development encoder and forces debug level.
	Debug bool
	// Filters, when non-empty, keeps only entries whose component or
	// provider field matches one of the names.
	Filters []string
}

// New constructs the root logger.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}

	var cfg zap.Config
	if opts.Debug {
		cfg = zap.NewDevelopmentConfig()
		level = zapcore.DebugLevel
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	if len(opts.Filters) > 0 {
		allowed := make(map[string]struct{}, len(opts.Filters))
		for _, f := range opts.Filters {
			allowed[f] = struct{}{}
		}
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return &filterCore{Core: core, allowed: allowed}
		}))
	}
	return logger, nil
}

// filterCore suppresses entries whose component/provider field is not in
// the allow-list. Entries with no module field pass through.
type filterCore struct {
	zapcore.Core
	allowed map[string]struct{}
	// fields accumulated through With
	module string
}

func (c *filterCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &filterCore{Core: c.Core.With(fields), allowed: c.allowed, module: c.module}
	if m := moduleField(fields); m != "" {
		clone.module = m
	}
	return clone
}

func (c *filterCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(entry.Level) {
		return checked
	}
	return checked.AddCore(entry, c)
}

func (c *filterCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	module := c.module
	if m := moduleField(fields); m != "" {
		module = m
	}
	if module != "" {
		if _, ok := c.allowed[module]; !ok {
			return nil
		}
	}
	return c.Core.Write(entry, fields)
}

func moduleField(fields []zapcore.Field) string {
	for _, f := range fields {
		if (f.Key == "component" || f.Key == "provider") && f.Type == zapcore.StringType {
			return f.String
		}
	}
	return ""
}
