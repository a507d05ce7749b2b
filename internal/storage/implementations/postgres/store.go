package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/lib/pq"

	"github.com/inferloop/splitlab/pkg/errors"
	"github.com/inferloop/splitlab/pkg/interfaces"
	"github.com/inferloop/splitlab/pkg/models"
)

// PostgreSQL error codes
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

const experimentColumns = `id, name, description, target_population, status, start_time, end_time,
	traffic_allocation, confidence_level, minimum_sample_size, winner_variant_id, metrics, created_at, updated_at`

const assignmentColumns = `id, subject_id, experiment_id, variant_id, assigned_at, converted, converted_at,
	conversion_value, session_metrics`

func pqCode(err error) string {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// CreateExperiment inserts the experiment and its variants in one transaction
func (ps *PostgresStorage) CreateExperiment(ctx context.Context, exp *models.Experiment) (err error) {
	start := time.Now()
	defer func() { ps.observe("create_experiment", start, err) }()

	db, err := ps.handle()
	if err != nil {
		return err
	}

	metrics, err := json.Marshal(exp.Metrics)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "Failed to encode metrics")
	}

	ctx, cancel := ps.withTimeout(ctx)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapStorageError(err, "begin", "postgres")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO experiments (`+experimentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		exp.ID, exp.Name, exp.Description, exp.TargetPopulation, string(exp.Status),
		exp.StartTime, exp.EndTime,
		exp.TrafficAllocation, exp.ConfidenceLevel, exp.MinimumSampleSize,
		exp.WinnerVariantID, string(metrics),
		exp.CreatedAt, exp.UpdatedAt,
	)
	if err != nil {
		if pqCode(err) == pqUniqueViolation {
			return errors.WrapError(errors.ErrDuplicateData, errors.ErrorTypeStorage, errors.CodeWriteFailed, "experiment already exists").
				WithContext("experiment_id", exp.ID)
		}
		return errors.WrapStorageError(err, "insert experiment", "postgres")
	}

	for i, v := range exp.Variants {
		var config interface{}
		if len(v.Configuration) > 0 {
			raw, err := json.Marshal(v.Configuration)
			if err != nil {
				return errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "Failed to encode variant configuration")
			}
			config = string(raw)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO variants
			(experiment_id, id, position, name, traffic_split, is_control, configuration, sessions, conversions)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			exp.ID, v.ID, i, v.Name, v.TrafficSplit, v.IsControl, config, v.Sessions, v.Conversions,
		)
		if err != nil {
			return errors.WrapStorageError(err, "insert variant", "postgres")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapStorageError(err, "commit", "postgres")
	}
	return nil
}

// GetExperiment reads an experiment with its variants
func (ps *PostgresStorage) GetExperiment(ctx context.Context, id string) (exp *models.Experiment, err error) {
	start := time.Now()
	defer func() { ps.observe("get_experiment", start, err) }()

	db, err := ps.handle()
	if err != nil {
		return nil, err
	}

	ctx, cancel := ps.withTimeout(ctx)
	defer cancel()

	row := db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = $1`, id)
	exp, err = scanExperiment(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError(errors.ErrExperimentNotFound, id)
		}
		return nil, errors.WrapStorageError(err, "get experiment", "postgres")
	}

	if exp.Variants, err = loadVariants(ctx, db, id); err != nil {
		return nil, err
	}
	return exp, nil
}

// ListExperiments lists experiments in the given status ordered by creation
func (ps *PostgresStorage) ListExperiments(ctx context.Context, status models.ExperimentStatus) (out []*models.Experiment, err error) {
	start := time.Now()
	defer func() { ps.observe("list_experiments", start, err) }()

	db, err := ps.handle()
	if err != nil {
		return nil, err
	}

	ctx, cancel := ps.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + experimentColumns + ` FROM experiments`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapStorageError(err, "list experiments", "postgres")
	}
	defer rows.Close()

	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, errors.WrapStorageError(err, "scan experiment", "postgres")
		}
		out = append(out, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStorageError(err, "list experiments", "postgres")
	}
	rows.Close()

	for _, exp := range out {
		if exp.Variants, err = loadVariants(ctx, db, exp.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CompareAndSwapStatus moves the experiment from one status to another.
// The WHERE clause on the current status makes concurrent callers race on
// the row lock; the loser sees zero affected rows.
func (ps *PostgresStorage) CompareAndSwapStatus(ctx context.Context, id string, from, to models.ExperimentStatus, update interfaces.StatusUpdate) (swapped bool, err error) {
	start := time.Now()
	defer func() { ps.observe("compare_and_swap_status", start, err) }()

	db, err := ps.handle()
	if err != nil {
		return false, err
	}

	ctx, cancel := ps.withTimeout(ctx)
	defer cancel()

	res, err := db.ExecContext(ctx, `UPDATE experiments SET
			status = $3,
			start_time = COALESCE($4, start_time),
			end_time = COALESCE($5, end_time),
			winner_variant_id = COALESCE(NULLIF($6, ''), winner_variant_id),
			updated_at = $7
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), update.StartTime, update.EndTime, update.WinnerVariantID, update.UpdatedAt,
	)
	if err != nil {
		return false, errors.WrapStorageError(err, "update status", "postgres")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.WrapStorageError(err, "update status", "postgres")
	}
	if affected == 1 {
		return true, nil
	}

	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM experiments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, errors.WrapStorageError(err, "update status", "postgres")
	}
	if !exists {
		return false, errors.NewNotFoundError(errors.ErrExperimentNotFound, id)
	}
	return false, nil
}

// IncrementVariantCounters adds to a variant's counters in a single UPDATE
func (ps *PostgresStorage) IncrementVariantCounters(ctx context.Context, experimentID, variantID string, sessions, conversions int64) (err error) {
	start := time.Now()
	defer func() { ps.observe("increment_variant_counters", start, err) }()

	db, err := ps.handle()
	if err != nil {
		return err
	}

	ctx, cancel := ps.withTimeout(ctx)
	defer cancel()

	res, err := db.ExecContext(ctx, `UPDATE variants
		SET sessions = sessions + $3, conversions = conversions + $4
		WHERE experiment_id = $1 AND id = $2`,
		experimentID, variantID, sessions, conversions,
	)
	if err != nil {
		return errors.WrapStorageError(err, "increment counters", "postgres")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.WrapStorageError(err, "increment counters", "postgres")
	}
	if affected == 0 {
		return errors.NewNotFoundError(errors.ErrVariantNotFound, variantID)
	}
	return nil
}

// CreateAssignment inserts the assignment unless the subject already has
// one, then returns the stored row
func (ps *PostgresStorage) CreateAssignment(ctx context.Context, a *models.Assignment) (stored *models.Assignment, created bool, err error) {
	start := time.Now()
	defer func() { ps.observe("create_assignment", start, err) }()

	db, err := ps.handle()
	if err != nil {
		return nil, false, err
	}

	metrics, err := jsonObject(a.SessionMetrics)
	if err != nil {
		return nil, false, err
	}

	ctx, cancel := ps.withTimeout(ctx)
	defer cancel()

	res, err := db.ExecContext(ctx, `INSERT INTO assignments
		(id, subject_id, experiment_id, variant_id, assigned_at, converted, session_metrics)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject_id, experiment_id) DO NOTHING`,
		a.ID, a.SubjectID, a.ExperimentID, a.VariantID, a.AssignedAt, a.Converted, metrics,
	)
	if err != nil {
		if pqCode(err) == pqForeignKeyViolation {
			return nil, false, errors.NewNotFoundError(errors.ErrExperimentNotFound, a.ExperimentID)
		}
		return nil, false, errors.WrapStorageError(err, "insert assignment", "postgres")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, errors.WrapStorageError(err, "insert assignment", "postgres")
	}
	if affected == 1 {
		out := *a
		return &out, true, nil
	}

	stored, err = ps.readAssignment(ctx, db, a.SubjectID, a.ExperimentID)
	return stored, false, err
}

// GetAssignment reads the subject's assignment
func (ps *PostgresStorage) GetAssignment(ctx context.Context, subjectID, experimentID string) (a *models.Assignment, err error) {
	start := time.Now()
	defer func() { ps.observe("get_assignment", start, err) }()

	db, err := ps.handle()
	if err != nil {
		return nil, err
	}

	ctx, cancel := ps.withTimeout(ctx)
	defer cancel()

	return ps.readAssignment(ctx, db, subjectID, experimentID)
}

// MarkConverted flips the conversion flag once. Session metrics are merged
// into the stored object.
func (ps *PostgresStorage) MarkConverted(ctx context.Context, subjectID, experimentID string, value *float64, sessionMetrics map[string]float64, at time.Time) (stored *models.Assignment, flipped bool, err error) {
	start := time.Now()
	defer func() { ps.observe("mark_converted", start, err) }()

	db, err := ps.handle()
	if err != nil {
		return nil, false, err
	}

	metrics, err := jsonObject(sessionMetrics)
	if err != nil {
		return nil, false, err
	}

	ctx, cancel := ps.withTimeout(ctx)
	defer cancel()

	res, err := db.ExecContext(ctx, `UPDATE assignments SET
			converted = TRUE,
			converted_at = $3,
			conversion_value = $4,
			session_metrics = session_metrics || $5::jsonb
		WHERE subject_id = $1 AND experiment_id = $2 AND converted = FALSE`,
		subjectID, experimentID, at, value, metrics,
	)
	if err != nil {
		return nil, false, errors.WrapStorageError(err, "mark converted", "postgres")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, errors.WrapStorageError(err, "mark converted", "postgres")
	}

	stored, err = ps.readAssignment(ctx, db, subjectID, experimentID)
	if err != nil {
		return nil, false, err
	}
	return stored, affected == 1, nil
}

// ListAssignments returns the experiment's assignments ordered by time
func (ps *PostgresStorage) ListAssignments(ctx context.Context, experimentID string) (out []*models.Assignment, err error) {
	start := time.Now()
	defer func() { ps.observe("list_assignments", start, err) }()

	db, err := ps.handle()
	if err != nil {
		return nil, err
	}

	ctx, cancel := ps.withTimeout(ctx)
	defer cancel()

	rows, err := db.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
		WHERE experiment_id = $1 ORDER BY assigned_at, subject_id`, experimentID)
	if err != nil {
		return nil, errors.WrapStorageError(err, "list assignments", "postgres")
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, errors.WrapStorageError(err, "scan assignment", "postgres")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStorageError(err, "list assignments", "postgres")
	}
	return out, nil
}

// CountAssignments returns the number of assignments of an experiment
func (ps *PostgresStorage) CountAssignments(ctx context.Context, experimentID string) (n int64, err error) {
	start := time.Now()
	defer func() { ps.observe("count_assignments", start, err) }()

	db, err := ps.handle()
	if err != nil {
		return 0, err
	}

	ctx, cancel := ps.withTimeout(ctx)
	defer cancel()

	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM assignments WHERE experiment_id = $1`, experimentID).Scan(&n); err != nil {
		return 0, errors.WrapStorageError(err, "count assignments", "postgres")
	}
	return n, nil
}

// SaveResults appends a results snapshot
func (ps *PostgresStorage) SaveResults(ctx context.Context, results *models.ExperimentResults) (err error) {
	start := time.Now()
	defer func() { ps.observe("save_results", start, err) }()

	db, err := ps.handle()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(results)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "Failed to encode results")
	}

	ctx, cancel := ps.withTimeout(ctx)
	defer cancel()

	_, err = db.ExecContext(ctx, `INSERT INTO experiment_results (experiment_id, generated_at, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (experiment_id, generated_at) DO UPDATE SET payload = EXCLUDED.payload`,
		results.ExperimentID, results.GeneratedAt, string(payload),
	)
	if err != nil {
		return errors.WrapStorageError(err, "save results", "postgres")
	}
	return nil
}

// GetLatestResults returns the most recent snapshot
func (ps *PostgresStorage) GetLatestResults(ctx context.Context, experimentID string) (results *models.ExperimentResults, err error) {
	start := time.Now()
	defer func() { ps.observe("get_latest_results", start, err) }()

	db, err := ps.handle()
	if err != nil {
		return nil, err
	}

	ctx, cancel := ps.withTimeout(ctx)
	defer cancel()

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM experiment_results
		WHERE experiment_id = $1 ORDER BY generated_at DESC LIMIT 1`, experimentID).Scan(&payload)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError(errors.ErrExperimentNotFound, experimentID)
		}
		return nil, errors.WrapStorageError(err, "get results", "postgres")
	}

	results = &models.ExperimentResults{}
	if err := json.Unmarshal(payload, results); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "Failed to decode results")
	}
	return results, nil
}

func (ps *PostgresStorage) readAssignment(ctx context.Context, db *sql.DB, subjectID, experimentID string) (*models.Assignment, error) {
	row := db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
		WHERE subject_id = $1 AND experiment_id = $2`, subjectID, experimentID)

	a, err := scanAssignment(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError(errors.ErrAssignmentNotFound, subjectID)
		}
		return nil, errors.WrapStorageError(err, "get assignment", "postgres")
	}
	return a, nil
}

func loadVariants(ctx context.Context, db *sql.DB, experimentID string) ([]*models.Variant, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, name, traffic_split, is_control, configuration, sessions, conversions
		FROM variants WHERE experiment_id = $1 ORDER BY position`, experimentID)
	if err != nil {
		return nil, errors.WrapStorageError(err, "load variants", "postgres")
	}
	defer rows.Close()

	var variants []*models.Variant
	for rows.Next() {
		v := &models.Variant{ExperimentID: experimentID}
		var config []byte
		if err := rows.Scan(&v.ID, &v.Name, &v.TrafficSplit, &v.IsControl, &config, &v.Sessions, &v.Conversions); err != nil {
			return nil, errors.WrapStorageError(err, "scan variant", "postgres")
		}
		if len(config) > 0 {
			if err := json.Unmarshal(config, &v.Configuration); err != nil {
				return nil, errors.WrapStorageError(err, "decode variant", "postgres")
			}
		}
		if v.Sessions > 0 {
			v.ConversionRate = float64(v.Conversions) / float64(v.Sessions) * 100
		}
		variants = append(variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStorageError(err, "load variants", "postgres")
	}
	return variants, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExperiment(row scanner) (*models.Experiment, error) {
	var (
		exp         models.Experiment
		status      string
		description sql.NullString
		population  sql.NullString
		winner      sql.NullString
		startTime   sql.NullTime
		endTime     sql.NullTime
		metrics     []byte
	)

	err := row.Scan(
		&exp.ID, &exp.Name, &description, &population, &status, &startTime, &endTime,
		&exp.TrafficAllocation, &exp.ConfidenceLevel, &exp.MinimumSampleSize, &winner, &metrics,
		&exp.CreatedAt, &exp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	exp.Status = models.ExperimentStatus(status)
	exp.Description = description.String
	exp.TargetPopulation = population.String
	exp.WinnerVariantID = winner.String
	if startTime.Valid {
		t := startTime.Time
		exp.StartTime = &t
	}
	if endTime.Valid {
		t := endTime.Time
		exp.EndTime = &t
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &exp.Metrics); err != nil {
			return nil, err
		}
	}
	return &exp, nil
}

func scanAssignment(row scanner) (*models.Assignment, error) {
	var (
		a           models.Assignment
		convertedAt sql.NullTime
		value       sql.NullFloat64
		metrics     []byte
	)

	err := row.Scan(&a.ID, &a.SubjectID, &a.ExperimentID, &a.VariantID, &a.AssignedAt,
		&a.Converted, &convertedAt, &value, &metrics)
	if err != nil {
		return nil, err
	}

	if convertedAt.Valid {
		t := convertedAt.Time
		a.ConvertedAt = &t
	}
	if value.Valid {
		v := value.Float64
		a.ConversionValue = &v
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &a.SessionMetrics); err != nil {
			return nil, err
		}
		if len(a.SessionMetrics) == 0 {
			a.SessionMetrics = nil
		}
	}
	return &a, nil
}

// jsonObject encodes m as a JSON object, never null
func jsonObject(m map[string]float64) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "Failed to encode session metrics")
	}
	return string(raw), nil
}
