package ledger

const (
	KeyTS       = "ts"
	KeyRunID    = "run_id"
	KeyHashPrev = "hash_prev"
	KeyHashSelf = "hash_self"
)

// RunCapsuleMeta is meta.json inside a run capsule directory.
type RunCapsuleMeta struct {
	SchemaID        string            `json:"schema_id"`
	SchemaVersion   string            `json:"schema_version"`
	RunID           string            `json:"run_id"`
	CreatedAt       string            `json:"created_at"`
	EntryHash       string            `json:"entry_hash"`
	ProducerVersion string            `json:"producer_version"`
	Provenance      map[string]string `json:"provenance,omitempty"`
}

// Violation is one chain integrity finding from a ledger verification pass.
type Violation struct {
	Line    int    `json:"line"`
	RunID   string `json:"run_id,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
