// Package validate checks caller input and reports failures as coded errors.
package validate

import (
	stderrors "errors"
	"math"
	"regexp"
	"strings"

	commonerrors "github.com/agentops/platform/pkg/errors"
)

const (
	MaxEmbeddings     = 256
	MaxEmbeddingDims  = 4096
	MaxRelationships  = 64
	maxAgentNameBytes = 128
)

var (
	agentNameRe        = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 _.\-]*$`)
	relationshipTypeRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,63}$`)
	nodeIDRe           = regexp.MustCompile(`^[a-z][a-z_]{0,31}:[A-Za-z0-9_\-]{1,64}$`)
)

// OrganizationID requires a positive owner id.
func OrganizationID(id int64) error {
	if id <= 0 {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid organization id: %d (must be > 0)", id)
	}
	return nil
}

// AgentName checks length and charset of a display name.
func AgentName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return commonerrors.New(commonerrors.CodeInvalidParam, "agent name is required")
	}
	if len(name) > maxAgentNameBytes || !agentNameRe.MatchString(name) {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid agent name: %q (letters, digits, space, _ . -, max %d bytes)", name, maxAgentNameBytes)
	}
	return nil
}

// Embeddings requires at least one vector, all of the same non-zero
// dimension, with finite components.
func Embeddings(vectors [][]float32) error {
	if len(vectors) == 0 {
		return commonerrors.New(commonerrors.CodeInvalidParam, "at least one embedding is required")
	}
	if len(vectors) > MaxEmbeddings {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "too many embeddings: %d (max %d)", len(vectors), MaxEmbeddings)
	}
	dims := len(vectors[0])
	if dims == 0 || dims > MaxEmbeddingDims {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid embedding dimension: %d (expected 1..%d)", dims, MaxEmbeddingDims)
	}
	for i, v := range vectors {
		if len(v) != dims {
			return commonerrors.Newf(commonerrors.CodeInvalidParam, "embedding %d has dimension %d, want %d", i, len(v), dims)
		}
		for _, f := range v {
			if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
				return commonerrors.Newf(commonerrors.CodeInvalidParam, "embedding %d contains a non-finite value", i)
			}
		}
	}
	return nil
}

// RelationshipType accepts upper snake case labels such as MEMBER_OF.
func RelationshipType(s string) error {
	if !relationshipTypeRe.MatchString(s) {
		return commonerrors.Newf(commonerrors.CodeRelationshipInvalid, "invalid relationship type: %q (expected UPPER_SNAKE_CASE)", s)
	}
	return nil
}

// NodeID accepts graph node ids of the form kind:key, e.g. agent:42.
func NodeID(s string) error {
	if !nodeIDRe.MatchString(s) {
		return commonerrors.Newf(commonerrors.CodeRelationshipInvalid, "invalid node id: %q (expected kind:key)", s)
	}
	return nil
}

type ValidationError struct {
	Field   string
	Code    commonerrors.Code
	Message string
}

// Validator collects failures across fields so a caller sees all of them.
type Validator struct {
	errors []ValidationError
}

func New() *Validator {
	return &Validator{}
}

func (v *Validator) add(field string, err error) *Validator {
	if err == nil {
		return v
	}
	var ce *commonerrors.Error
	if ok := stderrors.As(err, &ce); ok && ce != nil {
		v.errors = append(v.errors, ValidationError{Field: field, Code: ce.Code, Message: ce.Message})
		return v
	}
	v.errors = append(v.errors, ValidationError{Field: field, Code: commonerrors.CodeInvalidParam, Message: err.Error()})
	return v
}

func (v *Validator) Check(field string, err error) *Validator {
	return v.add(field, err)
}

func (v *Validator) Errors() []ValidationError {
	out := make([]ValidationError, len(v.errors))
	copy(out, v.errors)
	return out
}

func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

func (v *Validator) FirstError() *ValidationError {
	if len(v.errors) == 0 {
		return nil
	}
	return &v.errors[0]
}
