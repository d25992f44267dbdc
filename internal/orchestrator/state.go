package orchestrator

// EntityState tracks one entity through the migration state machine:
//
//	NotStarted -> Extracting -> Transforming -> Loading -> Validating -> Completed
//
// Failed is reachable from any of the middle four. Skipped is entered from
// NotStarted when a dependency failed; an entity already succeeded in the
// ledger moves NotStarted -> Completed without touching the data path.
type EntityState string

const (
	StateNotStarted   EntityState = "not_started"
	StateExtracting   EntityState = "extracting"
	StateTransforming EntityState = "transforming"
	StateLoading      EntityState = "loading"
	StateValidating   EntityState = "validating"
	StateCompleted    EntityState = "completed"
	StateFailed       EntityState = "failed"
	StateSkipped      EntityState = "skipped"
)

func (o *Orchestrator) setState(entity string, s EntityState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states[entity] = s
}

func (o *Orchestrator) state(entity string) EntityState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[entity]
}
