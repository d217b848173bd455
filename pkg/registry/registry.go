// Package registry holds the closed set of canonical action identifiers.
// The registry is frozen at process start; actions not present are always
// denied. Amending the set is a treaty amendment, not a runtime operation.
package registry

// RiskClass buckets an action by the blast radius of its side effects.
type RiskClass string

const (
	RiskLow      RiskClass = "low"
	RiskMedium   RiskClass = "medium"
	RiskHigh     RiskClass = "high"
	RiskCritical RiskClass = "critical"
)

// Action is one canonical entry: an identifier, its risk class, the
// capabilities a caller must hold, and whether executing it mutates state
// (and therefore must pass through the side-effect gate's semaphore).
type Action struct {
	ID                   string
	Risk                 RiskClass
	RequiredCapabilities []string
	SideEffecting        bool
}

// Registry is a frozen, constant-time lookup over the canonical actions.
type Registry struct {
	actions map[string]Action
}

// Canonical action identifiers.
const (
	ActionJobRun          = "action:job:run"
	ActionJobCancel       = "action:job:cancel"
	ActionMemoryCreate    = "action:memory:create"
	ActionMemoryQuery     = "action:memory:query"
	ActionOIInterpret     = "action:oi:interpret"
	ActionKnowledgeIngest = "action:knowledge:ingest"
	ActionConsentSignal   = "action:consent:signal"
	ActionReceiptsRead    = "action:receipts:read"
)

// Default returns the registry frozen into this build.
func Default() *Registry {
	return New([]Action{
		{ID: ActionJobRun, Risk: RiskHigh, RequiredCapabilities: []string{"cap:execute"}, SideEffecting: true},
		{ID: ActionJobCancel, Risk: RiskMedium, RequiredCapabilities: []string{"cap:execute"}, SideEffecting: true},
		{ID: ActionMemoryCreate, Risk: RiskMedium, RequiredCapabilities: []string{"cap:memory"}, SideEffecting: true},
		{ID: ActionMemoryQuery, Risk: RiskLow, RequiredCapabilities: []string{"cap:memory"}},
		{ID: ActionOIInterpret, Risk: RiskMedium, RequiredCapabilities: []string{"cap:interpret"}},
		{ID: ActionKnowledgeIngest, Risk: RiskHigh, RequiredCapabilities: []string{"cap:knowledge"}, SideEffecting: true},
		{ID: ActionConsentSignal, Risk: RiskCritical, RequiredCapabilities: []string{"cap:consent"}, SideEffecting: true},
		{ID: ActionReceiptsRead, Risk: RiskLow, RequiredCapabilities: []string{"cap:audit"}},
	})
}

// New builds a registry from a fixed action list. Duplicate ids keep the
// first entry; the map is never mutated after construction.
func New(actions []Action) *Registry {
	m := make(map[string]Action, len(actions))
	for _, a := range actions {
		if _, exists := m[a.ID]; !exists {
			m[a.ID] = a
		}
	}
	return &Registry{actions: m}
}

// Lookup returns the action for id and whether it is registered.
func (r *Registry) Lookup(id string) (Action, bool) {
	a, ok := r.actions[id]
	return a, ok
}

// IsRegistered reports whether id is in the closed set.
func (r *Registry) IsRegistered(id string) bool {
	_, ok := r.actions[id]
	return ok
}

// Len returns the number of registered actions. The heartbeat probes this;
// an empty registry is a fail-closed condition.
func (r *Registry) Len() int {
	return len(r.actions)
}
