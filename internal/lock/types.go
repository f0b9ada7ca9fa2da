package lock

// Action is the coordinator operation named in a lock request.
type Action string

const (
	// ActionAcquire asks for an exclusive lock on a file.
	ActionAcquire Action = "acquire"
	// ActionRelease gives a lock back.
	ActionRelease Action = "release"
	// ActionCheck asks who holds a file.
	ActionCheck Action = "check"
	// ActionList asks for every lock held by this identity.
	ActionList Action = "list"
	// ActionReleaseAll gives back every lock held by this identity.
	ActionReleaseAll Action = "release_all"
)

// Request is the lock wire request.
type Request struct {
	Action   Action `json:"action"`
	FilePath string `json:"filePath,omitempty"`
	IssueID  string `json:"issueId"`
	LockID   string `json:"lockId,omitempty"`
}

// Response is the lock wire response. The coordinator owns this contract;
// fields beyond these are preserved by Check and List.
type Response struct {
	Success bool   `json:"success"`
	LockID  string `json:"lockId,omitempty"`
	Holder  string `json:"holder,omitempty"`
	Message string `json:"message,omitempty"`
}

// Handle is a lock this bridge holds.
type Handle struct {
	FilePath string `json:"filePath"`
	LockID   string `json:"lockId"`
}

// Result is what a lock tool reports back to the worker.
type Result struct {
	Success  bool     `json:"success"`
	FilePath string   `json:"filePath,omitempty"`
	LockID   string   `json:"lockId,omitempty"`
	Holder   string   `json:"holder,omitempty"`
	Message  string   `json:"message,omitempty"`
	Released []string `json:"released,omitempty"`
}
