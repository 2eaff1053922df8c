package bus

// Supervisor restart-strategy event topics.
const (
	TopicSupervisorRestartOneForOne = "supervisor.restart.one_for_one"
	TopicSupervisorRestartOneForAll = "supervisor.restart.one_for_all"
	TopicSupervisorGiveUp          = "supervisor.give_up"
)

// Manifest discovery event topics, published by the internal/cron
// manifest-directory poller.
const (
	TopicManifestDiscovered = "manifest.discovered"
	TopicManifestRemoved    = "manifest.removed"
)

// Operator alert topic, surfaced through internal/admin.
const (
	TopicOperatorAlert = "operator.alert"
)

// Trust config event topics, published by internal/trustconfig's file watch.
const (
	TopicTrustConfigExternalChange = "trustconfig.external_change"
)

// SupervisorRestartEvent is published when a supervisor restarts one or
// more children in response to a child failure.
type SupervisorRestartEvent struct {
	SupervisorName string   // Name of the supervisor (often a manifest id)
	Targets        []string // Child names restarted in this pass
	Attempt        int      // Restart attempt number for the triggering child
}

// ManifestEvent is published when the manifest-directory poller discovers
// a new or removed component manifest.
type ManifestEvent struct {
	Path string // Manifest file path
}

// OperatorAlert is published when an operator-facing condition occurs:
// a component entering permanent give-up, a quota breach, or a
// quarantine.
type OperatorAlert struct {
	ComponentID string // Component instance ID, if applicable
	Severity    string // "info", "warning", or "error"
	Message     string // Alert message
}
