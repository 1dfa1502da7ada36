package authz

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

const policyQuery = "data.keyshare.authz.relation"

//go:embed policy.rego
var defaultPolicy string

// PolicyInput is the document the policy decides on.
type PolicyInput struct {
	CapsuleID     string   `json:"capsule_id"`
	Requester     string   `json:"requester"`
	RequesterType string   `json:"requester_type"`
	Owner         string   `json:"owner"`
	Delegatee     string   `json:"delegatee"`
	Rentee        string   `json:"rentee"`
	Admins        []string `json:"admins"`
}

// Policy evaluates the rego rule deciding the relation of a requester to a
// capsule. The query is prepared once and evaluated per request.
type Policy struct {
	query rego.PreparedEvalQuery
}

// NewPolicy prepares the policy loaded from path, or the built-in policy if
// path is empty. A custom policy must define data.keyshare.authz.relation.
func NewPolicy(ctx context.Context, path string) (*Policy, error) {
	opts := []func(*rego.Rego){
		rego.Query(policyQuery),
		rego.StrictBuiltinErrors(true),
	}
	if path == "" {
		opts = append(opts, rego.Module("policy.rego", defaultPolicy))
	} else {
		opts = append(opts, rego.Load([]string{path}, nil))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy: %w", err)
	}
	return &Policy{query: prepared}, nil
}

// Relation returns the relation granted by the policy, or "" if none.
func (p *Policy) Relation(ctx context.Context, input PolicyInput) (string, error) {
	if p == nil {
		return "", errors.New("policy is nil")
	}
	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", nil
	}
	relation, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("policy returned %T, want string", results[0].Expressions[0].Value)
	}
	return relation, nil
}
