package normalize

import (
	"fmt"
	"log/slog"
	"os"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// scriptFunc is the function a normalization script must define.
const scriptFunc = "normalize"

// StarlarkNormalizer runs normalize(param, value) from a Starlark script.
// Returning the value unchanged (or None) leaves it as is. Script errors are
// logged and leave the value unchanged.
type StarlarkNormalizer struct {
	name   string
	fn     starlark.Callable
	pool   *threadPool
	logger *slog.Logger
}

// NewStarlarkNormalizer compiles src. name is used in error messages.
// If logger is nil, a discard logger is used.
func NewStarlarkNormalizer(name, src string, logger *slog.Logger) (*StarlarkNormalizer, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool := newThreadPool(0)
	thread := pool.get(name)
	defer pool.put(thread)

	globals, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, name, src, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load normalization script %s: %w", name, err)
	}
	globals.Freeze()

	fn, ok := globals[scriptFunc].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("normalization script %s must define %s(param, value)", name, scriptFunc)
	}

	return &StarlarkNormalizer{name: name, fn: fn, pool: pool, logger: logger}, nil
}

// LoadStarlarkNormalizer compiles the script at path.
func LoadStarlarkNormalizer(path string, logger *slog.Logger) (*StarlarkNormalizer, error) {
	src, err := os.ReadFile(path) //nolint:gosec // G304: path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read normalization script: %w", err)
	}
	return NewStarlarkNormalizer(path, string(src), logger)
}

// Normalize implements Normalizer.
func (s *StarlarkNormalizer) Normalize(param string, value any) (any, bool) {
	in, err := toStarlark(value)
	if err != nil {
		return value, false
	}

	thread := s.pool.get(s.name)
	defer s.pool.put(thread)

	out, err := starlark.Call(thread, s.fn, starlark.Tuple{starlark.String(param), in}, nil)
	if err != nil {
		s.logger.Warn("normalization script failed",
			slog.String("script", s.name),
			slog.String("param", param),
			slog.String("error", err.Error()))
		return value, false
	}
	if out == starlark.None {
		return value, false
	}
	if same, err := starlark.Equal(in, out); err == nil && same {
		return value, false
	}

	v, err := fromStarlark(out)
	if err != nil {
		s.logger.Warn("normalization script returned an unusable value",
			slog.String("script", s.name),
			slog.String("param", param),
			slog.String("error", err.Error()))
		return value, false
	}
	return v, true
}
