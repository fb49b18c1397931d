package soar

import (
	"context"
	"fmt"
	"net"

	"aegis/threat"

	"go.uber.org/zap"
)

// ThreatIntelLookup resolves an indicator to a threat verdict.
// *threat.EnrichmentEngine satisfies it.
type ThreatIntelLookup interface {
	Lookup(ctx context.Context, iocType threat.IOCType, value string) (*threat.ThreatIntel, error)
}

// EnrichAction looks up one indicator type. The value comes from a parameter
// or, when absent, a well-known context key.
type EnrichAction struct {
	name       string
	iocType    threat.IOCType
	paramKey   string
	contextKey string
	lookup     ThreatIntelLookup
	logger     *zap.SugaredLogger
}

// NewEnrichIPAction reads "ip", falling back to source_ip
func NewEnrichIPAction(lookup ThreatIntelLookup, logger *zap.SugaredLogger) *EnrichAction {
	return newEnrichAction(ActionEnrichIP, threat.IOCTypeIP, "ip", "source_ip", lookup, logger)
}

// NewEnrichDomainAction reads "domain" from params or context
func NewEnrichDomainAction(lookup ThreatIntelLookup, logger *zap.SugaredLogger) *EnrichAction {
	return newEnrichAction(ActionEnrichDomain, threat.IOCTypeDomain, "domain", "domain", lookup, logger)
}

// NewEnrichHashAction reads "hash", falling back to file_hash
func NewEnrichHashAction(lookup ThreatIntelLookup, logger *zap.SugaredLogger) *EnrichAction {
	return newEnrichAction(ActionEnrichHash, threat.IOCTypeHash, "hash", "file_hash", lookup, logger)
}

func newEnrichAction(name string, iocType threat.IOCType, paramKey, contextKey string, lookup ThreatIntelLookup, logger *zap.SugaredLogger) *EnrichAction {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EnrichAction{
		name:       name,
		iocType:    iocType,
		paramKey:   paramKey,
		contextKey: contextKey,
		lookup:     lookup,
		logger:     logger,
	}
}

func (a *EnrichAction) Name() string { return a.name }
func (a *EnrichAction) Description() string {
	return fmt.Sprintf("Enriches a %s indicator with threat intelligence", a.iocType)
}

func (a *EnrichAction) Execute(ctx context.Context, params map[string]interface{}, execCtx *ExecutionContext) (*ActionResult, error) {
	value := stringParamOrContext(params, a.paramKey, execCtx, a.contextKey)
	if value == "" {
		return failed("no %s provided", a.paramKey), nil
	}
	if a.iocType == threat.IOCTypeIP && net.ParseIP(value) == nil {
		return failed("invalid IP address: %s", value), nil
	}
	return lookupIndicator(ctx, a.lookup, a.iocType, a.paramKey, value, a.logger)
}

// EnrichIOCAction enriches an indicator whose type is given by the "type"
// parameter
type EnrichIOCAction struct {
	lookup ThreatIntelLookup
	logger *zap.SugaredLogger
}

// NewEnrichIOCAction creates the generic enrichment action
func NewEnrichIOCAction(lookup ThreatIntelLookup, logger *zap.SugaredLogger) *EnrichIOCAction {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EnrichIOCAction{lookup: lookup, logger: logger}
}

func (a *EnrichIOCAction) Name() string { return ActionEnrichIOC }
func (a *EnrichIOCAction) Description() string {
	return "Enriches an indicator of any supported type with threat intelligence"
}

func (a *EnrichIOCAction) ValidateParams(params map[string]interface{}) error {
	if t := stringParam(params, "type"); t != "" {
		if _, err := threat.ParseIOCType(t); err != nil {
			return err
		}
	}
	return nil
}

func (a *EnrichIOCAction) Execute(ctx context.Context, params map[string]interface{}, execCtx *ExecutionContext) (*ActionResult, error) {
	value := stringParam(params, "value")
	if value == "" {
		return failed("no value provided"), nil
	}
	iocType, err := threat.ParseIOCType(stringParam(params, "type"))
	if err != nil {
		return failed("%v", err), nil
	}
	return lookupIndicator(ctx, a.lookup, iocType, "value", value, a.logger)
}

func lookupIndicator(ctx context.Context, lookup ThreatIntelLookup, iocType threat.IOCType, key, value string, logger *zap.SugaredLogger) (*ActionResult, error) {
	if lookup == nil {
		logger.Infof("SIMULATION: No threat intel configured, reporting %s as clean", value)
		return succeeded(map[string]interface{}{
			key: value,
			"enrichment": map[string]interface{}{
				"ioc":          value,
				"type":         string(iocType),
				"is_malicious": false,
				"confidence":   0.0,
				"reputation":   "clean",
				"simulated":    true,
			},
			"is_malicious": false,
			"confidence":   0.0,
		}, map[string]interface{}{"simulated": true}), nil
	}

	intel, err := lookup.Lookup(ctx, iocType, value)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warnw("Threat intel lookup failed",
			"ioc", value,
			"type", iocType,
			"error", err)
		return failed("threat intel lookup for %s failed: %v", value, err), nil
	}
	if intel == nil {
		return failed("threat intel lookup for %s returned no result", value), nil
	}

	return succeeded(map[string]interface{}{
		key:            value,
		"enrichment":   intel.ToMap(),
		"is_malicious": intel.IsMalicious,
		"confidence":   intel.Confidence,
	}, nil), nil
}
