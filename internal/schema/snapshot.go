package schema

// SyncData is the schema-versioned payload stored remotely for one
// resource kind. Content is resource-kind-specific serialized state,
// opaque to the coordinator and interpreted only by the kind's merge
// engine.
type SyncData struct {
	Version   int    `json:"version"`
	MachineID string `json:"machineId,omitempty"`
	Content   string `json:"content"`
}

// LastSyncState records what this machine last believed was in sync:
// the remote reference, the payload behind it, and the extensions that
// could not be applied locally (retried on later cycles). At most one
// exists per resource kind per machine.
type LastSyncState struct {
	Kind    Kind        `json:"kind"`
	Ref     string      `json:"ref"`
	Data    *SyncData   `json:"data,omitempty"`
	Skipped []Extension `json:"skipped,omitempty"`
}
