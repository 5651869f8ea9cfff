package exaws

// Column represents metadata about a column in a result set.
type Column struct {
	// Name is the column name
	Name string `json:"name"`

	// DataType is the declared Exasol data type of the column
	DataType DataType `json:"dataType"`
}

// DataType contains the declared type information of a column as reported
// by the server. Precision, Scale and Size are only populated for the types
// they apply to (DECIMAL, HASHTYPE, character types).
type DataType struct {
	// Type is the Exasol type name (e.g. "DECIMAL", "TIMESTAMP", "HASHTYPE")
	Type string `json:"type"`

	// Precision is the numeric precision for DECIMAL columns
	Precision int64 `json:"precision,omitempty"`

	// Scale is the numeric scale for DECIMAL columns
	Scale int64 `json:"scale,omitempty"`

	// Size is the declared size. For HASHTYPE it is the length of the hex
	// representation, so a HASHTYPE(16 BYTE) column reports 32.
	Size int64 `json:"size,omitempty"`

	// CharacterSet is reported for character columns (ASCII or UTF8)
	CharacterSet string `json:"characterSet,omitempty"`
}
