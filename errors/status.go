package errors

// Status is the wire-neutral payload of an Error.
type Status struct {
	Code     int32
	Message  string
	Metadata map[string]string
}
