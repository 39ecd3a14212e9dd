// Package dbstorage is the durable metadata store of the controller: start
// metadata, execution compositions and the per-user/per-project indices used
// for history queries.
package dbstorage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prodo-dev/plz/internal/composition"
	"github.com/prodo-dev/plz/internal/model"
	"github.com/prodo-dev/plz/internal/paths"
	"github.com/prodo-dev/plz/internal/plzerr"
	_ "modernc.org/sqlite"
)

const (
	nsStartMetadata            = "start_metadata"
	nsCompositionType          = "execution_composition_type"
	nsCompositionIndexPrefix   = "composition_index_to_execution#"
	nsCompositionTombstones    = "composition_tombstones#"
	nsFinishedForUserPrefix    = "finished_execution_ids_for_user#"
	nsFinishedForProjectPrefix = "finished_execution_ids_for_project#"
	nsUserLastExecutionID      = "user_last_execution_id"
)

type PostgresOptions struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

type Options struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver     string
	SQLitePath string
	Postgres   PostgresOptions
	Logger     *log.Logger
}

type Storage struct {
	db      *sql.DB
	dialect dialect
	logger  *log.Logger
}

func Open(ctx context.Context, opts Options) (*Storage, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch strings.TrimSpace(opts.Driver) {
	case "", "sqlite":
		db, err = openSQLite(opts.SQLitePath)
		d = dialectSQLite
	case "postgres":
		db, err = openPostgres(ctx, opts.Postgres)
		d = dialectPostgres
	default:
		return nil, fmt.Errorf("unknown metadata storage driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db, dialect: d, logger: opts.Logger}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if s.logger != nil {
		s.logger.Debug("metadata storage ready", "driver", string(d))
	}
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		var err error
		path, err = paths.MetadataDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve metadata database path: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create metadata directory for %q: %w", path, err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open metadata database %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func openPostgres(ctx context.Context, opts PostgresOptions) (*sql.DB, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("postgres metadata storage requires storage.postgres.url")
	}
	if opts.MaxOpenConns < 1 {
		opts.MaxOpenConns = 10
	}
	if opts.MaxIdleConns < 0 || opts.MaxIdleConns > opts.MaxOpenConns {
		opts.MaxIdleConns = opts.MaxOpenConns
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 2 * time.Second
	}

	db, err := sql.Open("pgx", opts.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// StoreStartMetadata writes the start metadata of executionID. A second write
// for the same id is accepted only when it reproduces the same command and
// snapshot, so rerun bookkeeping can be updated without rewriting history.
func (s *Storage) StoreStartMetadata(ctx context.Context, executionID string, metadata model.StartMetadata) error {
	if strings.TrimSpace(executionID) == "" {
		return plzerr.Validation("missing execution id")
	}
	metadata.ExecutionID = executionID
	b, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode start metadata for %s: %w", executionID, err)
	}

	inserted, err := s.hashSetIfAbsent(ctx, nsStartMetadata, executionID, string(b))
	if err != nil {
		return err
	}
	if inserted {
		return nil
	}

	existing, err := s.RetrieveStartMetadata(ctx, executionID)
	if err != nil {
		return err
	}
	if !existing.Reproduces(metadata) {
		return plzerr.Conflict("start metadata for %s is already stored with a different command or snapshot", executionID)
	}
	return s.hashSet(ctx, nsStartMetadata, executionID, string(b))
}

func (s *Storage) RetrieveStartMetadata(ctx context.Context, executionID string) (model.StartMetadata, error) {
	raw, found, err := s.hashGet(ctx, nsStartMetadata, executionID)
	if err != nil {
		return model.StartMetadata{}, err
	}
	if !found {
		return model.StartMetadata{}, plzerr.ExecutionNotFound(executionID)
	}
	var metadata model.StartMetadata
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return model.StartMetadata{}, fmt.Errorf("decode start metadata for %s: %w", executionID, err)
	}
	return metadata, nil
}

// StoreExecutionComposition persists every node of c: its type tag, the
// index pointers of fan-out nodes and their tombstones.
func (s *Storage) StoreExecutionComposition(ctx context.Context, c *composition.Composition) error {
	for _, record := range c.ToDurable() {
		if err := s.hashSet(ctx, nsCompositionType, record.ExecutionID, record.TypeTag); err != nil {
			return err
		}
		for index, subID := range record.IndexToExecution {
			if err := s.hashSet(ctx, nsCompositionIndexPrefix+record.ExecutionID, strconv.Itoa(index), subID); err != nil {
				return err
			}
		}
		for _, tombstone := range record.Tombstones {
			if err := s.setAdd(ctx, nsCompositionTombstones+record.ExecutionID, tombstone); err != nil {
				return err
			}
		}
	}
	return nil
}

// RetrieveExecutionComposition rebuilds the composition tree of executionID.
// Executions without a stored type tag are atomic.
func (s *Storage) RetrieveExecutionComposition(ctx context.Context, executionID string) (*composition.Composition, error) {
	return composition.FromDurable(executionID, func(id string) (composition.Durable, bool, error) {
		tag, found, err := s.hashGet(ctx, nsCompositionType, id)
		if err != nil || !found {
			return composition.Durable{}, false, err
		}
		record := composition.Durable{ExecutionID: id, TypeTag: tag}

		pointers, err := s.hashGetAll(ctx, nsCompositionIndexPrefix+id)
		if err != nil {
			return composition.Durable{}, false, err
		}
		if len(pointers) > 0 {
			record.IndexToExecution = make(map[int]string, len(pointers))
		}
		for rawIndex, subID := range pointers {
			index, err := strconv.Atoi(rawIndex)
			if err != nil {
				return composition.Durable{}, false, fmt.Errorf("composition %s has invalid index %q", id, rawIndex)
			}
			record.IndexToExecution[index] = subID
		}

		record.Tombstones, err = s.setMembers(ctx, nsCompositionTombstones+id)
		if err != nil {
			return composition.Durable{}, false, err
		}
		return record, true, nil
	})
}

func (s *Storage) AddFinishedExecutionID(ctx context.Context, user, project, executionID string) error {
	if err := s.setAdd(ctx, nsFinishedForUserPrefix+user, executionID); err != nil {
		return err
	}
	return s.setAdd(ctx, nsFinishedForProjectPrefix+project, executionID)
}

// RetrieveFinishedExecutionIDs returns the ids recorded under both user and
// project, sorted.
func (s *Storage) RetrieveFinishedExecutionIDs(ctx context.Context, user, project string) ([]string, error) {
	forUser, err := s.setMembers(ctx, nsFinishedForUserPrefix+user)
	if err != nil {
		return nil, err
	}
	forProject, err := s.setMembers(ctx, nsFinishedForProjectPrefix+project)
	if err != nil {
		return nil, err
	}
	inProject := make(map[string]bool, len(forProject))
	for _, id := range forProject {
		inProject[id] = true
	}
	out := make([]string, 0, min(len(forUser), len(forProject)))
	for _, id := range forUser {
		if inProject[id] {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *Storage) SetUserLastExecutionID(ctx context.Context, user, executionID string) error {
	return s.hashSet(ctx, nsUserLastExecutionID, user, executionID)
}

// GetUserLastExecutionID returns "" when the user never started an execution.
func (s *Storage) GetUserLastExecutionID(ctx context.Context, user string) (string, error) {
	id, _, err := s.hashGet(ctx, nsUserLastExecutionID, user)
	return id, err
}
