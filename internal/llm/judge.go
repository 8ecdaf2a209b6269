package llm

import (
	"context"
	"strconv"
	"strings"

	"brainvault/internal/logging"
	"brainvault/internal/types"
)

// GatewayJudge classifies candidate facts with the chat model. Any failure
// degrades to NEW so ingestion never blocks on the judge.
type GatewayJudge struct {
	gateway *Gateway
	logger  logging.Logger
}

// NewGatewayJudge wraps the gateway as a Judge.
func NewGatewayJudge(gateway *Gateway) *GatewayJudge {
	return &GatewayJudge{
		gateway: gateway,
		logger:  logging.WithComponent("llm.judge"),
	}
}

func (j *GatewayJudge) Judge(ctx context.Context, userID int64, candidate *types.Fact, neighbors []*types.Fact) (Verdict, error) {
	if len(neighbors) == 0 {
		return Verdict{Decision: DecisionNew}, nil
	}

	resp, err := j.gateway.generate(ctx, userID, "", "", judgePrompt(candidate, neighbors))
	if err != nil {
		j.logger.WarnContext(ctx, "judge call failed, defaulting to NEW", "error", err)
		return Verdict{Decision: DecisionNew}, nil
	}

	var out struct {
		Decision string `json:"decision"`
		TargetID string `json:"target_id"`
	}
	if err := decodeJSONResponse(resp.Content, &out); err != nil {
		j.logger.WarnContext(ctx, "unparseable judge response, defaulting to NEW", "error", err)
		return Verdict{Decision: DecisionNew}, nil
	}

	decision := Decision(strings.ToUpper(strings.TrimSpace(out.Decision)))
	switch decision {
	case DecisionDuplicate, DecisionSupersede, DecisionNew:
	default:
		decision = DecisionNew
	}

	verdict := Verdict{Decision: decision}
	if decision != DecisionNew {
		verdict.TargetFactID = resolveTarget(out.TargetID, neighbors)
		// A targetless duplicate/supersede cannot be applied safely.
		if verdict.TargetFactID == 0 {
			verdict.Decision = DecisionNew
		}
	}
	return verdict, nil
}

// resolveTarget maps a "fact_<k>" label back to a neighbor's fact id. The
// model is shown neighbors labeled fact_1..fact_n, but some models echo the
// real row id instead, so both are accepted.
func resolveTarget(target string, neighbors []*types.Fact) int64 {
	target = strings.TrimSpace(target)
	if !strings.Contains(target, "fact_") {
		return 0
	}
	raw := target[strings.Index(target, "fact_")+len("fact_"):]
	k, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || k <= 0 {
		return 0
	}

	if k <= int64(len(neighbors)) {
		return neighbors[k-1].ID
	}
	for _, n := range neighbors {
		if n.ID == k {
			return k
		}
	}
	return 0
}
