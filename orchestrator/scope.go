package orchestrator

import (
	"strings"

	"go.jetify.com/typeid"

	"github.com/PipeOpsHQ/finagent/errdefs"
)

// Separator joins the owner and opaque parts of a scoped thread id.
const Separator = ":"

// NewThreadID returns a fresh opaque thread id.
func NewThreadID() string {
	id, err := typeid.WithPrefix("thread")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ScopeThreadID builds "owner:opaque". A missing opaque id is generated.
func ScopeThreadID(owner, opaque string) (string, error) {
	if owner == "" {
		return "", errdefs.Validation("owner id is required")
	}
	if strings.Contains(owner, Separator) {
		return "", errdefs.Validation("owner id must not contain %q", Separator)
	}
	if opaque == "" {
		opaque = NewThreadID()
	}
	if strings.Contains(opaque, Separator) {
		return "", errdefs.Validation("thread id must not contain %q", Separator)
	}
	return owner + Separator + opaque, nil
}

// ExtractOwner returns the owner of a scoped thread id. It fails unless the id
// has exactly one separator with non-empty parts on both sides.
func ExtractOwner(scoped string) (string, error) {
	if strings.Count(scoped, Separator) != 1 {
		return "", errdefs.Validation("malformed thread id %q", scoped)
	}
	owner, opaque, _ := strings.Cut(scoped, Separator)
	if owner == "" || opaque == "" {
		return "", errdefs.Validation("malformed thread id %q", scoped)
	}
	return owner, nil
}

// VerifyOwner fails with a forbidden error unless userID owns the scoped
// thread id. Malformed ids are treated as foreign.
func VerifyOwner(scoped, userID string) error {
	if userID == "" {
		return errdefs.Validation("user id is required")
	}
	owner, err := ExtractOwner(scoped)
	if err != nil || owner != userID {
		return errdefs.Forbidden("thread %q is not accessible to user %q", scoped, userID)
	}
	return nil
}
