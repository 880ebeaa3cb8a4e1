// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/remedy/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/remedy/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents in PostgreSQL. Update runs its mutation under
// SELECT ... FOR UPDATE so concurrent state transitions on one incident
// serialize at the row.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const incidentColumns = `id, status, severity, service_name, source, created_at, updated_at,
	resolved_at, approval_status, approval_requested_at, pr_status,
	triage, analysis, ticket, remediation, error_message, events`

// Create inserts a new incident, failing on a duplicate ID.
func (s *Store) Create(ctx context.Context, in *incident.Incident) error {
	ctx, span := tracer.Start(ctx, "pgstore.Create", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	args, err := encodeIncident(in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	query := `INSERT INTO incidents (` + incidentColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			err = fmt.Errorf("incident %s already exists", in.ID)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Get retrieves an incident by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	in, err := scanIncidentRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if in == nil {
		return nil, false, nil
	}
	return in, true, nil
}

// List returns incidents matching the filter, newest first.
func (s *Store) List(ctx context.Context, f incident.Filter) ([]*incident.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.List", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, "status = $"+strconv.Itoa(len(args)))
	}
	if f.Service != "" {
		args = append(args, f.Service)
		conds = append(conds, "service_name = $"+strconv.Itoa(len(args)))
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		in, err := scanIncident(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return out, nil
}

// Update applies fn to the incident row under SELECT ... FOR UPDATE and
// persists the result. If fn returns an error the transaction rolls back
// and the error is returned as-is.
func (s *Store) Update(ctx context.Context, id string, fn func(*incident.Incident) error) (*incident.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Update", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1 FOR UPDATE`
	in, err := scanIncidentRow(tx.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if in == nil {
		return nil, incident.ErrNotFound
	}

	if err := fn(in); err != nil {
		return nil, err
	}

	args, err := encodeIncident(in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	update := `UPDATE incidents SET
		status = $2, severity = $3, service_name = $4, source = $5, created_at = $6,
		updated_at = $7, resolved_at = $8, approval_status = $9, approval_requested_at = $10,
		pr_status = $11, triage = $12, analysis = $13, ticket = $14, remediation = $15,
		error_message = $16, events = $17
	WHERE id = $1`
	if _, err := tx.Exec(ctx, update, args...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("update incident: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("commit: %w", err)
	}
	return in, nil
}

// encodeIncident renders an incident as the positional args matching
// incidentColumns.
func encodeIncident(in *incident.Incident) ([]any, error) {
	triageJSON, err := marshalNullable(in.Triage)
	if err != nil {
		return nil, fmt.Errorf("marshal triage: %w", err)
	}
	analysisJSON, err := marshalNullable(in.Analysis)
	if err != nil {
		return nil, fmt.Errorf("marshal analysis: %w", err)
	}
	ticketJSON, err := marshalNullable(in.Ticket)
	if err != nil {
		return nil, fmt.Errorf("marshal ticket: %w", err)
	}
	remediationJSON, err := marshalNullable(in.Remediation)
	if err != nil {
		return nil, fmt.Errorf("marshal remediation: %w", err)
	}
	eventsJSON, err := json.Marshal(in.Events)
	if err != nil {
		return nil, fmt.Errorf("marshal events: %w", err)
	}

	return []any{
		in.ID, string(in.Status), string(in.Severity), in.ServiceName, in.Source,
		in.CreatedAt, in.UpdatedAt, in.ResolvedAt, string(in.ApprovalStatus),
		in.ApprovalRequestedAt, string(in.PRStatus),
		triageJSON, analysisJSON, ticketJSON, remediationJSON,
		in.ErrorMessage, eventsJSON,
	}, nil
}

// marshalNullable keeps absent sub-records as SQL NULL rather than "null".
func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// scanIncidentRow scans a single row into an incident.
// Returns (nil, nil) when no row is found.
func scanIncidentRow(row pgx.Row) (*incident.Incident, error) {
	in, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return in, nil
}

func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		in                  incident.Incident
		status              string
		severity            string
		approvalStatus      string
		prStatus            string
		resolvedAt          *time.Time
		approvalRequestedAt *time.Time
		triageJSON          []byte
		analysisJSON        []byte
		ticketJSON          []byte
		remediationJSON     []byte
		eventsJSON          []byte
	)

	err := row.Scan(
		&in.ID, &status, &severity, &in.ServiceName, &in.Source, &in.CreatedAt, &in.UpdatedAt,
		&resolvedAt, &approvalStatus, &approvalRequestedAt, &prStatus,
		&triageJSON, &analysisJSON, &ticketJSON, &remediationJSON,
		&in.ErrorMessage, &eventsJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}

	in.Status = incident.Status(status)
	in.Severity = incident.Severity(severity)
	in.ApprovalStatus = incident.ApprovalStatus(approvalStatus)
	in.PRStatus = incident.PRStatus(prStatus)
	in.ResolvedAt = resolvedAt
	in.ApprovalRequestedAt = approvalRequestedAt

	if len(triageJSON) > 0 {
		in.Triage = &incident.ValidatedAlert{}
		if err := json.Unmarshal(triageJSON, in.Triage); err != nil {
			return nil, fmt.Errorf("unmarshal triage: %w", err)
		}
	}
	if len(analysisJSON) > 0 {
		in.Analysis = &incident.RootCauseAnalysis{}
		if err := json.Unmarshal(analysisJSON, in.Analysis); err != nil {
			return nil, fmt.Errorf("unmarshal analysis: %w", err)
		}
	}
	if len(ticketJSON) > 0 {
		in.Ticket = &incident.TicketRecord{}
		if err := json.Unmarshal(ticketJSON, in.Ticket); err != nil {
			return nil, fmt.Errorf("unmarshal ticket: %w", err)
		}
	}
	if len(remediationJSON) > 0 {
		in.Remediation = &incident.RemediationRecord{}
		if err := json.Unmarshal(remediationJSON, in.Remediation); err != nil {
			return nil, fmt.Errorf("unmarshal remediation: %w", err)
		}
	}
	if len(eventsJSON) > 0 {
		if err := json.Unmarshal(eventsJSON, &in.Events); err != nil {
			return nil, fmt.Errorf("unmarshal events: %w", err)
		}
	}
	return &in, nil
}
