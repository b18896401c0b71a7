// Package registry maps step-type tags to state factories.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
	"sort"
	"sync"

	"github.com/dukex/conveyor/pkg/protocol"
)

var (
	// ErrStateTypeNotRegistered indicates no factory exists for the requested step type.
	ErrStateTypeNotRegistered = errors.New("state type not registered")

	// ErrInvalidStateConfig indicates a state configuration rejected by its factory schema.
	ErrInvalidStateConfig = errors.New("invalid state configuration")
)

type Registry struct {
	logger    *slog.Logger
	mu        sync.RWMutex
	factories map[string]protocol.StateFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:    log.With("module", "registry"),
		factories: make(map[string]protocol.StateFactory),
	}
}

// LoadStatePlugins opens every <pluginsPath>/states/**/*.so and returns the factory each exports
// as the "State" symbol.
func (r *Registry) LoadStatePlugins(pluginsPath string) ([]protocol.StateFactory, error) {
	return loadPlugin[protocol.StateFactory](r.logger, pluginsPath, "State")
}

func (r *Registry) RegisterState(factory protocol.StateFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[factory.ID()] = factory
}

// Factory returns the factory registered for stateType.
func (r *Registry) Factory(stateType string) (protocol.StateFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[stateType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStateTypeNotRegistered, stateType)
	}

	return factory, nil
}

// Factories returns every registered factory ordered by id.
func (r *Registry) Factories() []protocol.StateFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factories := make([]protocol.StateFactory, 0, len(r.factories))
	for _, factory := range r.factories {
		factories = append(factories, factory)
	}

	sort.Slice(factories, func(i, j int) bool {
		return factories[i].ID() < factories[j].ID()
	})

	return factories
}

// CreateState validates config against the factory schema and creates the state.
func (r *Registry) CreateState(stateType string, config map[string]any) (protocol.State, error) {
	factory, err := r.Factory(stateType)
	if err != nil {
		return nil, err
	}

	if config == nil {
		config = map[string]any{}
	}

	if err := ValidateConfig(factory.Schema(), config); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidStateConfig, stateType, err)
	}

	state, err := factory.Create(config)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidStateConfig, stateType, err)
	}

	return state, nil
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	rootPath := pluginsPath + "/states"

	if _, err := os.Stat(rootPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	root := os.DirFS(rootPath)

	pluginPathList, err := fs.Glob(root, "**/*.so")
	if err != nil {
		return nil, err
	}

	l := logger.With(slog.String("path", pluginsPath), slog.String("type", symbolName))
	l.Info("Loading plugins")

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(rootPath + "/" + p)
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s has no %s symbol: %w", p, symbolName, err)
		}

		castV, ok := v.(T)
		if !ok {
			return nil, fmt.Errorf("plugin %s: %s symbol has type %T", p, symbolName, v)
		}

		pluginList = append(pluginList, castV)

		l.Info("Loaded state plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
