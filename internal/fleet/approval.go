package fleet

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrApprovalNotFound          = errors.New("approval not found")
	ErrApprovalExpired           = errors.New("approval expired")
	ErrApprovalSignatureMismatch = errors.New("approval signature mismatch")
)

// BatchItem binds one target to one policy in a batch apply.
type BatchItem struct {
	TargetID string `json:"targetId"`
	PolicyID string `json:"policyId"`
}

// BatchApplyRequest applies policies to targets, optionally reconciling
// afterwards. ApprovalToken is supplied on resubmission.
type BatchApplyRequest struct {
	Items               []BatchItem `json:"items"`
	ReconcileAfterApply bool        `json:"reconcileAfterApply"`
	ApprovalToken       string      `json:"approvalToken,omitempty"`
}

// BatchApplySummary reports what a completed batch did.
type BatchApplySummary struct {
	Applied           int  `json:"applied"`
	CriticalPreviewed int  `json:"criticalPreviewed"`
	Reconciled        bool `json:"reconciled"`
}

// ApprovalRequiredError carries the one-time token the client must resubmit
// when the preview crosses the critical threshold.
type ApprovalRequiredError struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
	Critical  int    `json:"critical"`
	Threshold int    `json:"threshold"`
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("approval required: %d targets would become critical (threshold %d)", e.Critical, e.Threshold)
}

type approval struct {
	signature string
	expiresAt time.Time
}

// batchSignature is stable over item order and the reconcile flag.
func batchSignature(req BatchApplyRequest) string {
	lines := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		lines = append(lines, item.TargetID+"|"+item.PolicyID)
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n") + fmt.Sprintf("|reconcile=%t", req.ReconcileAfterApply)))
	return hex.EncodeToString(sum[:])
}

// BatchApply previews the request, gates it behind a single-use approval
// token when more than the configured threshold of targets would become
// critical, and then applies the policy assignments.
func (e *Engine) BatchApply(req BatchApplyRequest) (*BatchApplySummary, error) {
	if !e.cfg.Enabled {
		return nil, ErrFleetDisabled
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("batch apply requires at least one item")
	}

	type resolved struct {
		item   BatchItem
		policy *PolicyProfile
	}
	items := make([]resolved, 0, len(req.Items))
	critical := 0
	for _, item := range req.Items {
		target, ok := e.targets.Get(item.TargetID)
		if !ok {
			return nil, fmt.Errorf("target %q not found", item.TargetID)
		}
		policy, err := e.policies.Get(item.PolicyID)
		if err != nil {
			return nil, err
		}
		items = append(items, resolved{item: item, policy: policy})
		if e.evaluateUnder(target, policy).Risk == RiskCritical {
			critical++
		}
	}

	signature := batchSignature(req)
	if critical > e.cfg.ApprovalCriticalThreshold {
		if req.ApprovalToken == "" {
			token := e.issueApproval(signature)
			return nil, &ApprovalRequiredError{
				Token:     token.token,
				ExpiresAt: token.expiresAt.Format(time.RFC3339),
				Critical:  critical,
				Threshold: e.cfg.ApprovalCriticalThreshold,
			}
		}
		if err := e.consumeApproval(req.ApprovalToken, signature); err != nil {
			return nil, err
		}
	}

	for _, r := range items {
		if err := e.policies.Assign(r.item.TargetID, r.policy.ID); err != nil {
			return nil, err
		}
	}

	summary := &BatchApplySummary{Applied: len(items), CriticalPreviewed: critical}
	if req.ReconcileAfterApply {
		if _, err := e.EvaluateAll(); err == nil {
			summary.Reconciled = true
		}
	}
	return summary, nil
}

type issuedApproval struct {
	token     string
	expiresAt time.Time
}

func (e *Engine) issueApproval(signature string) issuedApproval {
	ttl := e.cfg.ApprovalTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	token := uuid.NewString()
	exp := e.now().Add(ttl)
	e.mu.Lock()
	if e.approvals == nil {
		e.approvals = make(map[string]approval)
	}
	e.approvals[token] = approval{signature: signature, expiresAt: exp}
	e.mu.Unlock()
	return issuedApproval{token: token, expiresAt: exp}
}

// consumeApproval validates and burns a token. Reuse reports not-found.
func (e *Engine) consumeApproval(token, signature string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.approvals[token]
	if !ok {
		return ErrApprovalNotFound
	}
	delete(e.approvals, token)
	if e.now().After(a.expiresAt) {
		return ErrApprovalExpired
	}
	if a.signature != signature {
		return ErrApprovalSignatureMismatch
	}
	return nil
}
