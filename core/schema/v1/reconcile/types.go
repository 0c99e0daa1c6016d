package reconcile

type Node struct {
	NodeID   string `json:"node_id"`
	RootPath string `json:"root_path"`
}

type ArtifactVariant struct {
	Hash    string   `json:"hash"`
	Size    int64    `json:"size"`
	ModTime string   `json:"mtime"`
	Nodes   []string `json:"nodes"`
}

type Artifact struct {
	Path     string            `json:"path"`
	Variants []ArtifactVariant `json:"variants"`
}

type Conflict struct {
	Path     string            `json:"path"`
	Nodes    []string          `json:"nodes"`
	Variants []ArtifactVariant `json:"variants"`
}

type CoverageGap struct {
	NodeID  string   `json:"node_id"`
	Missing []string `json:"missing"`
}

type CheckStatus string

const (
	StatusOK          CheckStatus = "ok"
	StatusPartial     CheckStatus = "partial"
	StatusConflict    CheckStatus = "conflict"
	StatusMissing     CheckStatus = "missing"
	StatusUnavailable CheckStatus = "unavailable"
	StatusError       CheckStatus = "error"
	StatusSkipped     CheckStatus = "skipped"
)

// NodeValue is what one node contributed to a cross-node check.
type NodeValue struct {
	NodeID  string `json:"node_id"`
	Present bool   `json:"present"`
	Pointer string `json:"pointer,omitempty"`
	Hash    string `json:"hash,omitempty"`
	Error   string `json:"error,omitempty"`
}

type CheckResult struct {
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
	Nodes   []NodeValue `json:"nodes,omitempty"`
}

type ReceiptSignature struct {
	NodeID string   `json:"node_id"`
	Path   string   `json:"path"`
	Status string   `json:"status"`
	Issues []string `json:"issues,omitempty"`
}

type SignatureCheck struct {
	CheckResult
	Checked  int                `json:"checked"`
	Valid    int                `json:"valid"`
	Unsigned int                `json:"unsigned"`
	Invalid  int                `json:"invalid"`
	Receipts []ReceiptSignature `json:"receipts,omitempty"`
}

type Checks struct {
	Anchor    CheckResult    `json:"anchor"`
	Capsule   CheckResult    `json:"capsule"`
	Signature SignatureCheck `json:"signature"`
}

// Ledger is ledger.json of one reconciliation run.
type Ledger struct {
	SchemaID        string        `json:"schema_id"`
	SchemaVersion   string        `json:"schema_version"`
	GeneratedAt     string        `json:"generated_at"`
	ProducerVersion string        `json:"producer_version"`
	Nodes           []Node        `json:"nodes"`
	Artifacts       []Artifact    `json:"artifacts"`
	Coverage        []CoverageGap `json:"coverage"`
	Checks          Checks        `json:"checks"`
}

// LatestPointer is the portable replacement for a "latest" symlink.
type LatestPointer struct {
	Target      string `json:"target"`
	GeneratedAt string `json:"generated_at"`
}

// CapsulePointer is the record naming a node's current capsule.
type CapsulePointer struct {
	Target string `json:"target"`
}
