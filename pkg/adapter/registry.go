package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Factory builds an unconnected adapter.
type Factory func(*slog.Logger) Adapter

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
	aliases    = make(map[string]string)
)

func canonical(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds an adapter factory under a case-insensitive name.
// Called by adapter implementations in their init() functions.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[canonical(name)] = factory
}

// RegisterAlias makes alias resolve to the adapter registered as name.
func RegisterAlias(alias, name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	aliases[canonical(alias)] = canonical(name)
}

// Resolve returns the registered name that name refers to, following aliases.
func Resolve(name string) (string, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return resolveLocked(name)
}

func resolveLocked(name string) (string, bool) {
	n := canonical(name)
	if target, ok := aliases[n]; ok {
		n = target
	}
	_, ok := registry[n]
	return n, ok
}

// Get retrieves an adapter factory by name or alias.
func Get(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	n, ok := resolveLocked(name)
	if !ok {
		return nil, false
	}
	return registry[n], true
}

// NewAdapter creates an unconnected adapter for cfg.Type.
// A nil logger is passed through; adapters replace it with a discard logger.
func NewAdapter(cfg Config, logger *slog.Logger) (Adapter, error) {
	if strings.TrimSpace(cfg.Type) == "" {
		return nil, fmt.Errorf("adapter type not specified")
	}

	factory, ok := Get(cfg.Type)
	if !ok {
		return nil, &UnknownAdapterError{
			Type:      cfg.Type,
			Available: ListAdapters(),
		}
	}
	return factory(logger), nil
}

// Open creates the adapter for cfg.Type and connects it, returning an
// adapter ready to execute procedures. The adapter is closed again when
// the connection fails.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Adapter, error) {
	adp, err := NewAdapter(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := adp.Connect(ctx, cfg); err != nil {
		_ = adp.Close()
		return nil, fmt.Errorf("failed to connect to %s target: %w", canonical(cfg.Type), err)
	}
	return adp, nil
}

// ListAdapters returns the registered adapter names, without aliases (sorted).
func ListAdapters() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a name or alias resolves to an adapter.
func IsRegistered(name string) bool {
	_, ok := Resolve(name)
	return ok
}

// UnknownAdapterError is returned when an unknown adapter type is requested.
type UnknownAdapterError struct {
	Type      string
	Available []string
}

func (e *UnknownAdapterError) Error() string {
	return fmt.Sprintf("unknown adapter type %q\nAvailable adapters: %v\nHint: Check your target.type in leapgate.yaml", e.Type, e.Available)
}
