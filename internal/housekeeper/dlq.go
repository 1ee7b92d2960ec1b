package housekeeper

import "time"

const DLQType = "housekeeper.dlq"

type DeadLetter struct {
	Type      string `json:"type"`    // "housekeeper.dlq"
	Version   string `json:"version"` // schema version
	At        string `json:"at"`      // RFC3339 time the task was dead-lettered
	Reason    string `json:"reason"`  // human/debug text
	Attempt   int    `json:"attempt"` // attempt count when dead-lettered
	LastError string `json:"last_error,omitempty"`
	Task      Task   `json:"task"` // full task snapshot
}

func NewDeadLetter(t Task, attempt int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempt:   attempt,
		LastError: lastErr,
		Task:      t,
	}
}
