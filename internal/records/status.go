package records

// Status is a file upload's processing_status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusUploading  Status = "uploading"
	StatusExtracting Status = "extracting"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "extraction_failed"
)

// extractableFrom lists the states BeginExtraction may leave.
var extractableFrom = []Status{StatusPending, StatusUploading}

// rank orders states for the forward-only rule.
var rank = map[Status]int{
	StatusPending:    0,
	StatusUploading:  1,
	StatusExtracting: 2,
	StatusCompleted:  3,
	StatusFailed:     3,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether processing_status may move from one state
// to another. Moves only go forward, pending may skip uploading, and
// completed and extraction_failed are final. Only extracting may end in
// either terminal state.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to.Terminal() {
		return from == StatusExtracting
	}
	return rank[to] > rank[from]
}
