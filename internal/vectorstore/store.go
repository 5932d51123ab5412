// Package vectorstore persists embedding records for one document in a
// SQLite-backed collection.
package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Metadata is stored alongside each vector.
type Metadata struct {
	Level int    `json:"level"`
	Title string `json:"title"`
	Page  int    `json:"page"`
}

// Record is one embedded chunk.
type Record struct {
	ID       int64
	Vector   []float32
	Metadata Metadata
	Document string
}

type row struct {
	ID        int64                        `gorm:"primaryKey;autoIncrement:false"`
	Embedding datatypes.JSON               `gorm:"not null"`
	Metadata  datatypes.JSONType[Metadata] `gorm:"not null"`
	Document  string                       `gorm:"type:text;not null"`
}

func (r row) record() (Record, error) {
	var vec []float32
	if err := json.Unmarshal(r.Embedding, &vec); err != nil {
		return Record{}, fmt.Errorf("decode embedding %d: %w", r.ID, err)
	}
	return Record{ID: r.ID, Vector: vec, Metadata: r.Metadata.Data(), Document: r.Document}, nil
}

var collectionNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store is a named collection inside a SQLite database file.
type Store struct {
	db         *gorm.DB
	collection string
	log        *slog.Logger
}

// Open opens (creating if needed) the database at path and ensures the
// collection exists.
func Open(path, collection string, log *slog.Logger) (*Store, error) {
	if !collectionNameRe.MatchString(collection) {
		return nil, fmt.Errorf("invalid collection name %q", collection)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open collection database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("collection database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	s := &Store{
		db:         db,
		collection: collection,
		log:        log.With("component", "vectorstore", "collection", collection),
	}
	if err := s.table(context.Background()).AutoMigrate(&row{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate collection: %w", err)
	}
	return s, nil
}

func (s *Store) table(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.collection)
}

// Collection returns the collection name.
func (s *Store) Collection() string { return s.collection }

// Reset drops and recreates the collection, discarding every record.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Migrator().DropTable(s.collection); err != nil {
		return fmt.Errorf("drop collection: %w", err)
	}
	if err := s.table(ctx).AutoMigrate(&row{}); err != nil {
		return fmt.Errorf("recreate collection: %w", err)
	}
	s.log.Info("collection reset")
	return nil
}

// Add writes records in a single transaction. Either all are stored or none.
func (s *Store) Add(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]row, 0, len(records))
	for _, r := range records {
		emb, err := json.Marshal(r.Vector)
		if err != nil {
			return fmt.Errorf("encode embedding %d: %w", r.ID, err)
		}
		rows = append(rows, row{
			ID:        r.ID,
			Embedding: datatypes.JSON(emb),
			Metadata:  datatypes.NewJSONType(r.Metadata),
			Document:  r.Document,
		})
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Table(s.collection).CreateInBatches(rows, 200).Error
	})
	if err != nil {
		return fmt.Errorf("add %d records: %w", len(records), err)
	}
	return nil
}

// DeleteFrom removes every record with id >= from and returns how many were
// removed.
func (s *Store) DeleteFrom(ctx context.Context, from int64) (int64, error) {
	res := s.table(ctx).Where("id >= ?", from).Delete(&row{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete records from %d: %w", from, res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.Info("trimmed records past checkpoint", "from", from, "removed", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.table(ctx).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Records returns up to limit records ordered by id, starting after afterID.
// A limit <= 0 returns every remaining record.
func (s *Store) Records(ctx context.Context, afterID int64, limit int) ([]Record, error) {
	q := s.table(ctx).Where("id > ?", afterID).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []row
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close releases the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
