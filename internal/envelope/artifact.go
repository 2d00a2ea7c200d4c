package envelope

// Artifact is a materialized capability: the source that will be validated
// and, on approval, invoked. For SELECT the path points at the existing
// script; for COMPOSE and GENERATE it lives in the run-scoped scratch
// directory.
type Artifact struct {
	Path       string     `json:"path"`
	Source     string     `json:"-"`
	Descriptor Descriptor `json:"descriptor"`
}
