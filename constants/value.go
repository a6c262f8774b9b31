package constants

// ValueKind tags the inferred primitive type of an extracted cell value.
type ValueKind string

// Stable values (store these exact strings in DB).
const (
	ValueKindString  ValueKind = "string"
	ValueKindNumber  ValueKind = "number"
	ValueKindBoolean ValueKind = "boolean"
	ValueKindDate    ValueKind = "date"
	ValueKindOther   ValueKind = "other"
)
