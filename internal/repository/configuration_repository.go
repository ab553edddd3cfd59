package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/edumatrix/exam-marks-api/internal/models"
)

// ConfigurationRepository persists class configurations and their subject
// marks distributions.
type ConfigurationRepository struct {
	db *sqlx.DB
}

// NewConfigurationRepository creates a new repository instance.
func NewConfigurationRepository(db *sqlx.DB) *ConfigurationRepository {
	return &ConfigurationRepository{db: db}
}

// ExistsByTriple checks uniqueness of (class_name, section, academic_year).
func (r *ConfigurationRepository) ExistsByTriple(ctx context.Context, className, section, academicYear string) (bool, error) {
	const query = `SELECT 1 FROM class_configurations
        WHERE LOWER(class_name) = LOWER($1) AND LOWER(section) = LOWER($2) AND academic_year = $3 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, className, section, academicYear); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check configuration triple: %w", err)
	}
	return true, nil
}

// Create persists a new class configuration.
func (r *ConfigurationRepository) Create(ctx context.Context, config *models.ClassConfiguration) error {
	now := time.Now().UTC()
	config.CreatedAt = now
	config.UpdatedAt = now

	const query = `INSERT INTO class_configurations (class_name, section, academic_year, description, active, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	if err := r.db.QueryRowxContext(ctx, query,
		config.ClassName, config.Section, config.AcademicYear, config.Description, config.Active, config.CreatedAt, config.UpdatedAt,
	).Scan(&config.ID); err != nil {
		return fmt.Errorf("create configuration: %w", err)
	}
	return nil
}

// FindByID loads a configuration without its subjects.
func (r *ConfigurationRepository) FindByID(ctx context.Context, id int64) (*models.ClassConfiguration, error) {
	const query = `SELECT id, class_name, section, academic_year, description, active, created_at, updated_at
        FROM class_configurations WHERE id = $1`
	var config models.ClassConfiguration
	if err := r.db.GetContext(ctx, &config, query, id); err != nil {
		return nil, err
	}
	return &config, nil
}

// FindActiveByClass resolves the active configuration covering a class id.
// Class ids map one-to-one onto configurations in this schema.
func (r *ConfigurationRepository) FindActiveByClass(ctx context.Context, classID int64) (*models.ClassConfiguration, error) {
	const query = `SELECT id, class_name, section, academic_year, description, active, created_at, updated_at
        FROM class_configurations WHERE id = $1 AND active = TRUE`
	var config models.ClassConfiguration
	if err := r.db.GetContext(ctx, &config, query, classID); err != nil {
		return nil, err
	}
	return &config, nil
}

// List returns configurations matching the filter with pagination metadata.
func (r *ConfigurationRepository) List(ctx context.Context, filter models.ConfigurationFilter) ([]models.ClassConfiguration, int, error) {
	base := "FROM class_configurations WHERE 1=1"
	var conditions []string
	var args []interface{}

	if filter.ClassName != "" {
		conditions = append(conditions, fmt.Sprintf("LOWER(class_name) = LOWER($%d)", len(args)+1))
		args = append(args, filter.ClassName)
	}
	if filter.Section != "" {
		conditions = append(conditions, fmt.Sprintf("LOWER(section) = LOWER($%d)", len(args)+1))
		args = append(args, filter.Section)
	}
	if filter.AcademicYear != "" {
		conditions = append(conditions, fmt.Sprintf("academic_year = $%d", len(args)+1))
		args = append(args, filter.AcademicYear)
	}
	if filter.Active != nil {
		conditions = append(conditions, fmt.Sprintf("active = $%d", len(args)+1))
		args = append(args, *filter.Active)
	}

	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT id, class_name, section, academic_year, description, active, created_at, updated_at %s ORDER BY academic_year DESC, class_name, section LIMIT %d OFFSET %d", base, size, offset)
	var configs []models.ClassConfiguration
	if err := r.db.SelectContext(ctx, &configs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list configurations: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count configurations: %w", err)
	}

	return configs, total, nil
}

const configSubjectColumns = `cs.id, cs.configuration_id, cs.subject_id, cs.total_marks, cs.passing_marks,
        cs.theory_marks, cs.practical_marks, cs.theory_passing_marks, cs.practical_passing_marks,
        cs.active, cs.created_at, cs.updated_at,
        sm.code AS subject_code, sm.name AS subject_name, sm.subject_type AS subject_type`

// ListSubjects returns a configuration's subject entries joined with catalog
// data, optionally restricted to active entries.
func (r *ConfigurationRepository) ListSubjects(ctx context.Context, configID int64, activeOnly bool) ([]models.ConfigurationSubject, error) {
	query := fmt.Sprintf(`SELECT %s FROM configuration_subjects cs
        JOIN subject_masters sm ON sm.id = cs.subject_id
        WHERE cs.configuration_id = $1`, configSubjectColumns)
	if activeOnly {
		query += " AND cs.active = TRUE"
	}
	query += " ORDER BY sm.code"

	var subjects []models.ConfigurationSubject
	if err := r.db.SelectContext(ctx, &subjects, query, configID); err != nil {
		return nil, fmt.Errorf("list configuration subjects: %w", err)
	}
	return subjects, nil
}

// FindSubject returns the entry for (configuration, subject) if present.
func (r *ConfigurationRepository) FindSubject(ctx context.Context, configID, subjectID int64) (*models.ConfigurationSubject, error) {
	query := fmt.Sprintf(`SELECT %s FROM configuration_subjects cs
        JOIN subject_masters sm ON sm.id = cs.subject_id
        WHERE cs.configuration_id = $1 AND cs.subject_id = $2`, configSubjectColumns)
	var subject models.ConfigurationSubject
	if err := r.db.GetContext(ctx, &subject, query, configID, subjectID); err != nil {
		return nil, err
	}
	return &subject, nil
}

// UpsertSubject inserts or updates the marks distribution for one subject in
// a configuration, relying on the (configuration_id, subject_id) constraint.
func (r *ConfigurationRepository) UpsertSubject(ctx context.Context, entry *models.ConfigurationSubject) error {
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	const query = `INSERT INTO configuration_subjects
        (configuration_id, subject_id, total_marks, passing_marks, theory_marks, practical_marks,
         theory_passing_marks, practical_passing_marks, active, created_at, updated_at)
        VALUES (:configuration_id, :subject_id, :total_marks, :passing_marks, :theory_marks, :practical_marks,
         :theory_passing_marks, :practical_passing_marks, :active, :created_at, :updated_at)
        ON CONFLICT (configuration_id, subject_id)
        DO UPDATE SET total_marks = EXCLUDED.total_marks, passing_marks = EXCLUDED.passing_marks,
         theory_marks = EXCLUDED.theory_marks, practical_marks = EXCLUDED.practical_marks,
         theory_passing_marks = EXCLUDED.theory_passing_marks, practical_passing_marks = EXCLUDED.practical_passing_marks,
         active = EXCLUDED.active, updated_at = EXCLUDED.updated_at
        RETURNING id`
	rows, err := r.db.NamedQueryContext(ctx, query, entry)
	if err != nil {
		return fmt.Errorf("upsert configuration subject: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&entry.ID); err != nil {
			return fmt.Errorf("scan configuration subject id: %w", err)
		}
	}
	return nil
}

// Deactivate soft-deletes a configuration. Captured marks are untouched so
// historical results stay queryable.
func (r *ConfigurationRepository) Deactivate(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE class_configurations SET active = FALSE, updated_at = $2 WHERE id = $1`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("deactivate configuration: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate configuration: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeactivateSubject soft-deletes one subject entry of a configuration.
func (r *ConfigurationRepository) DeactivateSubject(ctx context.Context, configID, subjectID int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE configuration_subjects SET active = FALSE, updated_at = $3 WHERE configuration_id = $1 AND subject_id = $2`,
		configID, subjectID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("deactivate configuration subject: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate configuration subject: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
