package offsync

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrStorage matches every StorageError via errors.Is.
	ErrStorage = errors.New("storage error")

	// ErrUnknownAction indicates the action tag is not in the recognized set.
	ErrUnknownAction = errors.New("unknown action")

	// ErrInvalidPayload indicates the payload cannot be serialized to JSON.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrReplayInProgress is returned when a replay is already running.
	ErrReplayInProgress = errors.New("replay already in progress")
)

// StorageError reports a failed read or write against the persistent store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrStorage) match any StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// ReplayFailure records the entry that halted a replay run and why.
type ReplayFailure struct {
	ID     int64  `json:"id"`
	Action Action `json:"action"`
	Err    error  `json:"-"`
}

func (f *ReplayFailure) Error() string {
	return fmt.Sprintf("replay entry %d (%s): %v", f.ID, f.Action, f.Err)
}

func (f *ReplayFailure) Unwrap() error {
	return f.Err
}

// MarshalJSON includes the cause as a string.
func (f *ReplayFailure) MarshalJSON() ([]byte, error) {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(struct {
		ID     int64  `json:"id"`
		Action Action `json:"action"`
		Error  string `json:"error"`
	}{f.ID, f.Action, msg})
}
