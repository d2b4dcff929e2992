package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"

	// StatusIndeterminate indicates the primary accepted a write but the
	// durability threshold was not confirmed in time. Distinct from both
	// success and error so a client can decide whether to retry.
	StatusIndeterminate Status = "indeterminate"
)

// Response represents the standard API response format.
type Response struct {
	Status  Status `json:"status,omitempty"`
	Value   string `json:"value,omitempty"`
	Version uint64 `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewVersionResponse(version uint64) Response {
	return Response{Status: StatusSuccess, Version: version}
}

func NewValueResponse(value string, version uint64) Response {
	return Response{Status: StatusSuccess, Value: value, Version: version}
}

func NewIndeterminateResponse(version uint64, err string) Response {
	return Response{Status: StatusIndeterminate, Version: version, Error: err}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// ReplicateRequest is the primary-to-replica write shipment.
type ReplicateRequest struct {
	Key       []byte `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Version   uint64 `json:"version"`
	Tombstone bool   `json:"tombstone,omitempty"`
}

// HeartbeatRequest is the node-to-detector liveness announcement.
type HeartbeatRequest struct {
	Node string `json:"node"`
	Ts   int64  `json:"ts"`
}

// RecordResponse is one node's local answer to a versioned read, tombstones
// included.
type RecordResponse struct {
	Value     []byte `json:"value,omitempty"`
	Version   uint64 `json:"version"`
	Tombstone bool   `json:"tombstone,omitempty"`
	Exists    bool   `json:"exists"`
}

// StatusResponse exposes replication progress for detectors and operators.
type StatusResponse struct {
	Node        string `json:"node"`
	LastApplied uint64 `json:"last_applied"`
	ViewVersion uint64 `json:"view_version"`
	InFlight    int    `json:"in_flight"`
}
