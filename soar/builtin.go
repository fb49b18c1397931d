package soar

import (
	"aegis/core"

	"go.uber.org/zap"
)

// BuiltinOptions wires the collaborators the built-in actions delegate to.
// Every collaborator is optional: absent ones make the dependent actions
// fail (threat intel) or run in simulation (notifications, cases, scripts,
// containment).
type BuiltinOptions struct {
	ThreatIntel        ThreatIntelLookup
	Sender             NotificationSender
	Cases              CaseManager
	Containment        ContainmentProvider
	Scripts            ScriptRunner
	AllowedScripts     []string
	DestructiveEnabled bool
	Outbound           OutboundPolicy
	Breakers           *core.BreakerSet
	HTTPRetry          *RetryPolicy
	Logger             *zap.SugaredLogger
}

// BuiltinActions returns one instance of every built-in action
func BuiltinActions(opts BuiltinOptions) []Action {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	retry := DefaultRetryPolicy()
	if opts.HTTPRetry != nil {
		retry = *opts.HTTPRetry
	} else {
		retry.MaxRetries = defaultHTTPMaxRetries
	}

	return []Action{
		NewEnrichIPAction(opts.ThreatIntel, logger),
		NewEnrichDomainAction(opts.ThreatIntel, logger),
		NewEnrichHashAction(opts.ThreatIntel, logger),
		NewEnrichIOCAction(opts.ThreatIntel, logger),
		NewNotifyAction(ActionSendNotification, "", opts.Sender, logger),
		NewNotifyAction(ActionSendEmail, "email", opts.Sender, logger),
		NewNotifyAction(ActionSendSlack, "slack", opts.Sender, logger),
		NewUpdateAlertAction(opts.Cases, logger),
		NewUpdateIncidentAction(opts.Cases, logger),
		NewCreateIncidentAction(opts.Cases, logger),
		NewCreateTicketAction(logger),
		NewAddCommentAction(logger),
		NewAssignToAction(logger),
		NewBlockIPAction(opts.Containment, opts.DestructiveEnabled, logger),
		NewIsolateHostAction(opts.Containment, opts.DestructiveEnabled, logger),
		NewDisableUserAction(opts.Containment, opts.DestructiveEnabled, logger),
		NewRunScriptAction(opts.AllowedScripts, opts.Scripts, logger),
		NewHTTPRequestAction(opts.Outbound, opts.Breakers, retry, logger),
		NewConditionalAction(),
		NewWaitAction(),
	}
}

// NewBuiltinRegistry registers every built-in action
func NewBuiltinRegistry(opts BuiltinOptions) *Registry {
	return MustNewRegistry(BuiltinActions(opts)...)
}
