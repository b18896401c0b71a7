// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	"github.com/dukex/conveyor/pkg/protocol"
	"github.com/dukex/conveyor/pkg/registry"
	"github.com/dukex/conveyor/pkg/states/httpcheck"
	"github.com/dukex/conveyor/pkg/states/infra"
	"github.com/dukex/conveyor/pkg/states/shellscript"
	"github.com/dukex/conveyor/pkg/states/verification"
)

func registerStatePlugins(reg *registry.Registry, pluginsPath string) {
	statePlugins, err := reg.LoadStatePlugins(pluginsPath)
	if err != nil {
		panic(err)
	}

	for _, plugin := range statePlugins {
		reg.RegisterState(plugin)
	}
}

func registerNativeStates(reg *registry.Registry, deps protocol.Dependencies, baselines verification.BaselineStore) {
	reg.RegisterState(shellscript.NewFactory(deps))
	reg.RegisterState(httpcheck.NewFactory(deps))
	reg.RegisterState(infra.NewFactory(deps))
	reg.RegisterState(verification.NewFactory(deps, baselines))
}

// NewRegistry registers the plugins found under pluginsPath, then the native states. A native
// state replaces a plugin registered under the same type.
func NewRegistry(
	log *slog.Logger,
	deps protocol.Dependencies,
	baselines verification.BaselineStore,
	pluginsPath string,
) *registry.Registry {
	reg := registry.NewRegistry(log)

	registerStatePlugins(reg, pluginsPath)
	registerNativeStates(reg, deps, baselines)

	return reg
}
