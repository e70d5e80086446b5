package population

import (
	"errors"
	"fmt"
)

// Stage identifies the pipeline step an error came from.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StagePersist Stage = "persist"
	StageRender  Stage = "render"
	StagePublish Stage = "publish"
)

// Error tags an underlying failure with the stage that produced it so the
// loop controller can branch without inspecting error strings.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Stage) + " failed"
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with the given stage. A nil err yields nil.
func NewError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) && existing.Stage == stage {
		return err
	}
	return &Error{Stage: stage, Err: err}
}

// StageOf returns the stage recorded on err, or "" when err carries none.
func StageOf(err error) Stage {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}
