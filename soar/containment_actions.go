package soar

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// ContainmentProvider carries out containment against real infrastructure
// (firewall, EDR, identity provider)
type ContainmentProvider interface {
	BlockIP(ctx context.Context, ip string, duration string) error
	IsolateHost(ctx context.Context, hostname string) error
	DisableUser(ctx context.Context, username string) error
}

// ContainmentAction is one of block_ip, isolate_host or disable_user.
// It fails closed unless destructive actions are enabled, and simulates the
// change when no provider is wired.
type ContainmentAction struct {
	name       string
	target     string
	contextKey string
	enabled    bool
	provider   ContainmentProvider
	logger     *zap.SugaredLogger
}

// NewBlockIPAction reads "ip_address", falling back to source_ip
func NewBlockIPAction(provider ContainmentProvider, enabled bool, logger *zap.SugaredLogger) *ContainmentAction {
	return newContainmentAction(ActionBlockIP, "ip_address", "source_ip", provider, enabled, logger)
}

// NewIsolateHostAction reads "hostname" from params or context
func NewIsolateHostAction(provider ContainmentProvider, enabled bool, logger *zap.SugaredLogger) *ContainmentAction {
	return newContainmentAction(ActionIsolateHost, "hostname", "hostname", provider, enabled, logger)
}

// NewDisableUserAction reads "username" from params or context
func NewDisableUserAction(provider ContainmentProvider, enabled bool, logger *zap.SugaredLogger) *ContainmentAction {
	return newContainmentAction(ActionDisableUser, "username", "username", provider, enabled, logger)
}

func newContainmentAction(name, target, contextKey string, provider ContainmentProvider, enabled bool, logger *zap.SugaredLogger) *ContainmentAction {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ContainmentAction{
		name:       name,
		target:     target,
		contextKey: contextKey,
		enabled:    enabled,
		provider:   provider,
		logger:     logger,
	}
}

func (a *ContainmentAction) Name() string { return a.name }

func (a *ContainmentAction) Description() string {
	switch a.name {
	case ActionBlockIP:
		return "Blocks an IP address at the firewall"
	case ActionIsolateHost:
		return "Isolates a host from the network"
	default:
		return "Disables a user account"
	}
}

func (a *ContainmentAction) Execute(ctx context.Context, params map[string]interface{}, execCtx *ExecutionContext) (*ActionResult, error) {
	if !a.enabled {
		a.logger.Warnw("Destructive action blocked by configuration",
			"action", a.name,
			"reason", "destructive_actions_enabled=false")
		return failed("destructive action blocked - enable via engine.destructive_actions_enabled=true"), nil
	}

	value := stringParamOrContext(params, a.target, execCtx, a.contextKey)
	if value == "" {
		return failed("no %s provided", a.target), nil
	}

	output := map[string]interface{}{a.target: value}
	var run func() error
	switch a.name {
	case ActionBlockIP:
		if net.ParseIP(value) == nil {
			return failed("invalid IP address: %s", value), nil
		}
		duration := stringParam(params, "duration")
		if duration == "" {
			duration = "24h"
		}
		output["duration"] = duration
		if a.provider != nil {
			run = func() error { return a.provider.BlockIP(ctx, value, duration) }
		}
	case ActionIsolateHost:
		if a.provider != nil {
			run = func() error { return a.provider.IsolateHost(ctx, value) }
		}
	case ActionDisableUser:
		if a.provider != nil {
			run = func() error { return a.provider.DisableUser(ctx, value) }
		}
	default:
		return nil, fmt.Errorf("unknown containment action %s", a.name)
	}

	if run == nil {
		a.logger.Warnf("SIMULATION: would run %s against %s", a.name, value)
		output["simulated"] = true
		return succeeded(output, nil), nil
	}
	if err := run(); err != nil {
		return failed("%s failed for %s: %v", a.name, value, err), nil
	}
	output["simulated"] = false
	a.logger.Infow("Containment applied", "action", a.name, a.target, value)
	return succeeded(output, nil), nil
}
