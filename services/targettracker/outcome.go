package targettracker

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Outcome is how a fusion cycle ended.
type Outcome int

// Every outcome other than OutcomePublished leaves the target not found.
const (
	OutcomeNone Outcome = iota
	OutcomeNoMatch
	OutcomeNoAnchor
	OutcomeDepthOutOfBounds
	OutcomeDepthInvalid
	OutcomeNoIntrinsics
	OutcomeTransformFailed
	OutcomePublishFailed
	OutcomePublished
)

var outcomeNames = map[Outcome]string{
	OutcomeNone:             "none",
	OutcomeNoMatch:          "no_match",
	OutcomeNoAnchor:         "no_anchor",
	OutcomeDepthOutOfBounds: "depth_out_of_bounds",
	OutcomeDepthInvalid:     "depth_invalid",
	OutcomeNoIntrinsics:     "no_intrinsics",
	OutcomeTransformFailed:  "transform_failed",
	OutcomePublishFailed:    "publish_failed",
	OutcomePublished:        "published",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// MarshalJSON writes the outcome by name.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON reads an outcome written by MarshalJSON.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for outcome, n := range outcomeNames {
		if n == name {
			*o = outcome
			return nil
		}
	}
	return errors.Errorf("unknown outcome %q", name)
}
