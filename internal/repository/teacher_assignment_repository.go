package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/skoolo/messaging-api/internal/models"
)

// TeacherAssignmentRepository reads teaching and homeroom assignments. The
// messaging core never mutates these tables; they belong to the school
// administration modules.
type TeacherAssignmentRepository struct {
	db *sqlx.DB
}

// NewTeacherAssignmentRepository constructs the repository.
func NewTeacherAssignmentRepository(db *sqlx.DB) *TeacherAssignmentRepository {
	return &TeacherAssignmentRepository{db: db}
}

// ListByTeacher returns assignments owned by teacher.
func (r *TeacherAssignmentRepository) ListByTeacher(ctx context.Context, teacherID string) ([]models.TeacherAssignment, error) {
	const query = `
SELECT ta.id, ta.teacher_id, ta.class_id, ta.section_id, ta.subject_id, ta.created_at
FROM teacher_assignments ta
WHERE ta.teacher_id = $1
ORDER BY ta.class_id ASC, ta.section_id ASC`
	var assignments []models.TeacherAssignment
	if err := r.db.SelectContext(ctx, &assignments, query, teacherID); err != nil {
		return nil, fmt.Errorf("list teacher assignments: %w", err)
	}
	return assignments, nil
}

// HomeroomTeacherID returns the homeroom teacher of a section, or nil when
// the section has none.
func (r *TeacherAssignmentRepository) HomeroomTeacherID(ctx context.Context, sectionID string) (*string, error) {
	const query = `SELECT homeroom_teacher_id FROM sections WHERE id = $1`
	var teacherID *string
	if err := r.db.GetContext(ctx, &teacherID, query, sectionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find homeroom teacher: %w", err)
	}
	return teacherID, nil
}

// HomeroomTeacherIDsBySections returns the homeroom teachers of the given
// sections, de-duplicated.
func (r *TeacherAssignmentRepository) HomeroomTeacherIDsBySections(ctx context.Context, sectionIDs []string) ([]string, error) {
	if len(sectionIDs) == 0 {
		return nil, nil
	}
	const query = `SELECT DISTINCT homeroom_teacher_id FROM sections WHERE id = ANY($1) AND homeroom_teacher_id IS NOT NULL`
	var teacherIDs []string
	if err := r.db.SelectContext(ctx, &teacherIDs, query, pq.Array(sectionIDs)); err != nil {
		return nil, fmt.Errorf("list homeroom teachers: %w", err)
	}
	return teacherIDs, nil
}

// IsHomeroomTeacher reports whether the teacher is homeroom teacher of at
// least one section. Recomputed on demand, never cached.
func (r *TeacherAssignmentRepository) IsHomeroomTeacher(ctx context.Context, teacherID string) (bool, error) {
	const query = `SELECT 1 FROM sections WHERE homeroom_teacher_id = $1 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, teacherID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check homeroom teacher: %w", err)
	}
	return true, nil
}
