package devserver

import (
	"fmt"
	"time"

	"snagline/internal/api"
	"snagline/internal/domain"
	"snagline/internal/workflow"
)

// applyUpdate enforces the role gate and assignment rules, then copies the
// provided fields onto the snag. The same legality table gates requests on
// the client before they are sent; the server stays authoritative.
func applyUpdate(s *domain.Snag, actor domain.User, req api.UpdateSnagRequest) error {
	switch actor.Role {
	case domain.RoleContractor:
		if s.AssignedContractorID != actor.ID {
			return fmt.Errorf("%w: contractor %s", workflow.ErrNotAssigned, actor.ID)
		}
	case domain.RoleAuthority:
		if assigned := s.AuthorityIDs(); len(assigned) > 0 && !s.HasAuthority(actor.ID) {
			return fmt.Errorf("%w: authority %s", workflow.ErrNotAssigned, actor.ID)
		}
	}
	fields := req.Fields()
	if !workflow.FieldsAllowed(actor.Role, fields) {
		return fmt.Errorf("%w: %s may not edit %v", workflow.ErrNotAllowed, actor.Role, fields)
	}

	if req.Description != nil {
		s.Description = *req.Description
	}
	if req.Location != nil {
		s.Location = *req.Location
	}
	if req.ProjectName != nil {
		s.ProjectName = *req.ProjectName
	}
	if req.PossibleSolution != nil {
		s.PossibleSolution = *req.PossibleSolution
	}
	if req.UTMCoordinates != nil {
		s.UTMCoordinates = *req.UTMCoordinates
	}
	if req.Photos != nil {
		s.Photos = append([]string{}, req.Photos...)
	}
	if req.Status != nil {
		s.Status = *req.Status
	}
	if req.Priority != nil {
		s.Priority = *req.Priority
	}
	if req.CostEstimate != nil {
		s.CostEstimate = req.CostEstimate
	}
	if req.AssignedContractorID != nil {
		s.AssignedContractorID = *req.AssignedContractorID
	}
	if req.AssignedAuthorityIDs != nil {
		s.AssignedAuthorityIDs = append([]string{}, req.AssignedAuthorityIDs...)
		s.AssignedAuthorityID = ""
	} else if req.AssignedAuthorityID != nil {
		s.AssignedAuthorityID = *req.AssignedAuthorityID
		s.AssignedAuthorityIDs = nil
	}
	if req.DueDate != nil {
		s.DueDate = req.DueDate
	}
	if req.AuthorityFeedback != nil {
		s.AuthorityFeedback = *req.AuthorityFeedback
	}
	if req.AuthorityComment != nil {
		s.AuthorityComment = *req.AuthorityComment
	}
	if req.WorkStartedDate != nil {
		s.WorkStartedDate = req.WorkStartedDate
	}
	if req.WorkCompletedDate != nil {
		s.WorkCompletedDate = req.WorkCompletedDate
	}
	if req.ContractorCompletion != nil {
		s.ContractorCompletionDate = req.ContractorCompletion
	}
	if req.ContractorCompleted != nil {
		s.ContractorCompleted = *req.ContractorCompleted
		if s.ContractorCompleted {
			if s.ContractorCompletionDate == nil {
				now := time.Now().UTC().Format(time.RFC3339)
				s.ContractorCompletionDate = &now
			}
			// A sign-off on an untouched snag implies the work happened.
			if s.Status == domain.StatusOpen {
				s.Status = domain.StatusInProgress
			}
		}
	}
	if req.AuthorityApproved != nil {
		s.AuthorityApproved = *req.AuthorityApproved
		if s.AuthorityApproved && s.Status == domain.StatusOpen {
			s.Status = domain.StatusInProgress
		}
	}

	// Both sides signed off while the snag was still being worked.
	if s.ContractorCompleted && s.AuthorityApproved && s.Status == domain.StatusInProgress {
		s.Status = domain.StatusResolved
	}
	return nil
}

// notifyAssigned records and pushes a notification to everyone assigned to
// the snag except the actor. format takes the query number and building.
func (s *Server) notifyAssigned(snag domain.Snag, actor domain.User, format string) {
	msg := fmt.Sprintf(format, snag.QueryNo, snag.ProjectName)
	seen := map[string]bool{actor.ID: true}
	recipients := append([]string{snag.AssignedContractorID}, snag.AuthorityIDs()...)
	for _, id := range recipients {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		n := s.store.Notify(id, snag.ID, msg)
		s.hub.NotifyUser(id, n)
	}
}
