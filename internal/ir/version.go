package ir

// Version constants for the schema and the binary.
const (
	// SchemaVersion is the relational schema version (PRAGMA user_version).
	SchemaVersion = 2

	// EngineVersion is the epistemic engine version.
	EngineVersion = "0.1.0"
)
