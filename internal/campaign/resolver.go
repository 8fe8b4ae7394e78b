package campaign

import (
	"context"
	"fmt"
)

// checkSpec rejects malformed specs at the boundary so the resolver can
// match variants exhaustively.
func checkSpec(spec TargetSpec) []ValidationIssue {
	var issues []ValidationIssue
	switch spec.Kind {
	case TargetExplicit, TargetAudience:
	default:
		issues = append(issues, specIssue(fmt.Sprintf("unknown target kind %q", spec.Kind)))
	}
	if spec.BotID <= 0 {
		issues = append(issues, specIssue("bot id is required"))
	}
	if spec.Kind == TargetAudience && len(spec.ChatIDs) > 0 {
		issues = append(issues, specIssue("audience spec must not carry explicit chat ids"))
	}
	return issues
}

// resolve turns a target spec into a concrete, deduplicated recipient list in
// stable order. Per-id failures become issues and do not abort the remaining
// ids; a directory error aborts resolution entirely.
func (s *Service) resolve(ctx context.Context, spec TargetSpec, ownerID int64) ([]int64, []ValidationIssue, error) {
	issues := checkSpec(spec)
	if len(issues) > 0 {
		return nil, issues, nil
	}

	owns, err := s.ident.Owns(ctx, ownerID, spec.BotID)
	if err != nil {
		return nil, nil, fmt.Errorf("ownership lookup: %w", err)
	}
	if !owns {
		return nil, []ValidationIssue{specIssue(fmt.Sprintf("bot %d is not owned by caller", spec.BotID))}, nil
	}

	switch spec.Kind {
	case TargetExplicit:
		seen := make(map[int64]struct{}, len(spec.ChatIDs))
		ids := make([]int64, 0, len(spec.ChatIDs))
		for _, id := range spec.ChatIDs {
			if id == 0 {
				issues = append(issues, chatIssue(id, "malformed chat id"))
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ok, err := s.dir.Exists(ctx, spec.BotID, id)
			if err != nil {
				return nil, nil, fmt.Errorf("directory lookup for chat %d: %w", id, err)
			}
			if !ok {
				issues = append(issues, chatIssue(id, "not a subscriber of this bot"))
				continue
			}
			ids = append(ids, id)
		}
		return ids, issues, nil

	case TargetAudience:
		ids, err := s.dir.ListActive(ctx, spec.BotID, spec.Filter)
		if err != nil {
			return nil, nil, fmt.Errorf("directory query: %w", err)
		}
		return ids, nil, nil
	}

	// checkSpec already rejected unknown kinds.
	return nil, issues, nil
}

// ValidateTargets is a side-effect-free dry run of resolution, used before
// campaign creation and for cost estimation. Safe to call repeatedly.
//
// Ids that fail validation are reported as issues while the remaining valid
// ids still count toward TotalChatIDs.
func (s *Service) ValidateTargets(ctx context.Context, ownerID int64, spec TargetSpec) (TargetValidation, error) {
	ids, issues, err := s.resolve(ctx, spec, ownerID)
	if err != nil {
		return TargetValidation{}, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}
	return TargetValidation{
		Valid:        len(issues) == 0,
		Issues:       issues,
		TotalChatIDs: len(ids),
	}, nil
}
