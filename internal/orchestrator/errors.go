package orchestrator

import (
	"errors"

	"go.uber.org/zap"
)

var (
	// ErrEditConflict is returned when a build or edit is already running on the tree.
	ErrEditConflict = errors.New("edit conflict: another build or edit is in progress")
	// ErrAliasEdit is returned when an edit targets an alias node.
	ErrAliasEdit = errors.New("alias nodes cannot be edited; edit the canonical node")
	// ErrDuplicateSibling is returned when an edited question duplicates a sibling.
	ErrDuplicateSibling = errors.New("question duplicates an existing sibling")
	// ErrInvalidLimits is returned for maxLevels or maxChildren below 1.
	ErrInvalidLimits = errors.New("max levels and max children must be >= 1")
	// ErrNoTree is returned when an operation needs a built tree.
	ErrNoTree = errors.New("no tree has been built")
)

// Kind classifies a failure for logging.
type Kind string

const (
	KindGenerationFailure     Kind = "generation_failure"
	KindRetrievalFailure      Kind = "retrieval_failure"
	KindDedupAmbiguity        Kind = "dedup_ambiguity"
	KindEvidenceInsufficient  Kind = "evidence_insufficient"
	KindContradictionDetected Kind = "contradiction_detected"
	KindEditConflict          Kind = "edit_conflict"
	KindSessionNotFound       Kind = "session_not_found"
	KindNodeNotFound          Kind = "node_not_found"
)

// Field returns the kind as a structured log field.
func (k Kind) Field() zap.Field {
	return zap.String("kind", string(k))
}
