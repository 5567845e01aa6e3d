package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/skoolo/messaging-api/internal/models"
)

// GuardianshipRepository reads the parent/student relation and student
// placement, both owned by the enrollment modules.
type GuardianshipRepository struct {
	db *sqlx.DB
}

// NewGuardianshipRepository constructs the repository.
func NewGuardianshipRepository(db *sqlx.DB) *GuardianshipRepository {
	return &GuardianshipRepository{db: db}
}

const studentColumns = `id, full_name, parent_id, current_section_id, active, created_at, updated_at`

// ListChildren returns the active students currently guarded by parent.
func (r *GuardianshipRepository) ListChildren(ctx context.Context, parentID string) ([]models.Student, error) {
	query := fmt.Sprintf(`SELECT %s FROM students WHERE parent_id = $1 AND active = TRUE ORDER BY full_name ASC`, studentColumns)
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, parentID); err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	return students, nil
}

// ListStudentsBySections returns active students currently placed in any of
// the given sections.
func (r *GuardianshipRepository) ListStudentsBySections(ctx context.Context, sectionIDs []string) ([]models.Student, error) {
	if len(sectionIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM students WHERE current_section_id = ANY($1) AND active = TRUE`, studentColumns)
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, pq.Array(sectionIDs)); err != nil {
		return nil, fmt.Errorf("list students by sections: %w", err)
	}
	return students, nil
}
