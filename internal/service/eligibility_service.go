package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/skoolo/messaging-api/internal/models"
)

type eligibilityAssignmentReader interface {
	ListByTeacher(ctx context.Context, teacherID string) ([]models.TeacherAssignment, error)
	HomeroomTeacherIDsBySections(ctx context.Context, sectionIDs []string) ([]string, error)
}

type eligibilityGuardianshipReader interface {
	ListChildren(ctx context.Context, parentID string) ([]models.Student, error)
}

type rolePair struct {
	a, b models.UserRole
}

type eligibilityRule func(ctx context.Context, s *EligibilityService, a, b *models.User) (bool, error)

// EligibilityService decides whether two users may converse. Decisions are
// derived from the live assignment and guardianship tables on every call;
// verdicts are never cached because the underlying relationships change and
// staleness must not grant access.
type EligibilityService struct {
	assignments eligibilityAssignmentReader
	guardians   eligibilityGuardianshipReader
	rules       map[rolePair]eligibilityRule
	logger      *zap.Logger
}

// NewEligibilityService builds the engine with its closed rule table. Role
// pairs without an entry are denied.
func NewEligibilityService(assignments eligibilityAssignmentReader, guardians eligibilityGuardianshipReader, logger *zap.Logger) *EligibilityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &EligibilityService{
		assignments: assignments,
		guardians:   guardians,
		logger:      logger,
	}
	s.rules = map[rolePair]eligibilityRule{
		{models.RoleTeacher, models.RoleParent}: func(ctx context.Context, s *EligibilityService, a, b *models.User) (bool, error) {
			return s.teacherParentEligible(ctx, a.ID, b.ID)
		},
		{models.RoleParent, models.RoleTeacher}: func(ctx context.Context, s *EligibilityService, a, b *models.User) (bool, error) {
			return s.teacherParentEligible(ctx, b.ID, a.ID)
		},
		{models.RoleTeacher, models.RoleTeacher}: func(ctx context.Context, s *EligibilityService, a, b *models.User) (bool, error) {
			return s.teacherTeacherEligible(ctx, a.ID, b.ID)
		},
	}
	return s
}

// Eligible reports whether a and b may open or continue a conversation. The
// relation is symmetric: Eligible(a,b) == Eligible(b,a).
func (s *EligibilityService) Eligible(ctx context.Context, a, b *models.User) (bool, error) {
	if a == nil || b == nil || a.ID == b.ID {
		return false, nil
	}
	rule, ok := s.rules[rolePair{a.Role, b.Role}]
	if !ok {
		// No rule defined for this role pairing: deny rather than allow.
		return false, nil
	}
	return rule(ctx, s, a, b)
}

// teacherParentEligible holds when at least one of the parent's students
// currently sits in a section the teacher teaches.
func (s *EligibilityService) teacherParentEligible(ctx context.Context, teacherID, parentID string) (bool, error) {
	sectionIDs, err := s.teacherSectionIDs(ctx, teacherID)
	if err != nil {
		return false, err
	}
	if len(sectionIDs) == 0 {
		return false, nil
	}

	children, err := s.guardians.ListChildren(ctx, parentID)
	if err != nil {
		return false, fmt.Errorf("load children of parent %s: %w", parentID, err)
	}
	for _, child := range children {
		if child.CurrentSectionID == nil {
			continue
		}
		if _, ok := sectionIDs[*child.CurrentSectionID]; ok {
			return true, nil
		}
	}
	return false, nil
}

// teacherTeacherEligible holds when the teachers share a class, or when one
// is the homeroom teacher of a section the other teaches.
func (s *EligibilityService) teacherTeacherEligible(ctx context.Context, teacherA, teacherB string) (bool, error) {
	assignmentsA, err := s.assignments.ListByTeacher(ctx, teacherA)
	if err != nil {
		return false, fmt.Errorf("load assignments of teacher %s: %w", teacherA, err)
	}
	assignmentsB, err := s.assignments.ListByTeacher(ctx, teacherB)
	if err != nil {
		return false, fmt.Errorf("load assignments of teacher %s: %w", teacherB, err)
	}

	classesA := make(map[string]struct{}, len(assignmentsA))
	for _, a := range assignmentsA {
		classesA[a.ClassID] = struct{}{}
	}
	for _, b := range assignmentsB {
		if _, ok := classesA[b.ClassID]; ok {
			return true, nil
		}
	}

	if ok, err := s.homeroomLink(ctx, assignmentsA, teacherB); err != nil || ok {
		return ok, err
	}
	return s.homeroomLink(ctx, assignmentsB, teacherA)
}

// homeroomLink reports whether candidate is the homeroom teacher of any
// section covered by the given assignments.
func (s *EligibilityService) homeroomLink(ctx context.Context, assignments []models.TeacherAssignment, candidate string) (bool, error) {
	if len(assignments) == 0 {
		return false, nil
	}
	sectionIDs := make([]string, 0, len(assignments))
	seen := make(map[string]struct{}, len(assignments))
	for _, a := range assignments {
		if _, ok := seen[a.SectionID]; ok {
			continue
		}
		seen[a.SectionID] = struct{}{}
		sectionIDs = append(sectionIDs, a.SectionID)
	}

	homeroomIDs, err := s.assignments.HomeroomTeacherIDsBySections(ctx, sectionIDs)
	if err != nil {
		return false, fmt.Errorf("load homeroom teachers: %w", err)
	}
	for _, id := range homeroomIDs {
		if id == candidate {
			return true, nil
		}
	}
	return false, nil
}

// teacherSectionIDs collects the distinct sections a teacher is assigned to.
func (s *EligibilityService) teacherSectionIDs(ctx context.Context, teacherID string) (map[string]struct{}, error) {
	assignments, err := s.assignments.ListByTeacher(ctx, teacherID)
	if err != nil {
		return nil, fmt.Errorf("load assignments of teacher %s: %w", teacherID, err)
	}
	sections := make(map[string]struct{}, len(assignments))
	for _, a := range assignments {
		sections[a.SectionID] = struct{}{}
	}
	return sections, nil
}
