// Package gormstore keeps records in PostgreSQL through gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lumi-retreat/lumi/internal/records"
)

// Store is a records.Store backed by gorm.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Ensure Store implements records.Store.
var _ records.Store = (*Store)(nil)

// Open connects to PostgreSQL and migrates the schema.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db, logger)
}

// New wraps an open gorm handle and migrates the schema.
func New(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	err := db.AutoMigrate(&checkinModel{}, &guestModel{}, &roomModel{}, &treatmentModel{}, &menuItemModel{})
	if err != nil {
		return nil, fmt.Errorf("migrate records schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertCatalogue inserts or replaces rooms, treatments and menu items.
func (s *Store) UpsertCatalogue(ctx context.Context, rooms []records.Room, treatments []records.Treatment, menu []records.MenuItem) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsert := tx.Clauses(clause.OnConflict{UpdateAll: true})
		for _, r := range rooms {
			row := roomModel(r)
			if err := upsert.Create(&row).Error; err != nil {
				return fmt.Errorf("upsert room %s: %w", r.ID, err)
			}
		}
		for _, t := range treatments {
			row := treatmentModel(t)
			if err := upsert.Create(&row).Error; err != nil {
				return fmt.Errorf("upsert treatment %s: %w", t.ID, err)
			}
		}
		for _, m := range menu {
			row := menuItemModel(m)
			if err := upsert.Create(&row).Error; err != nil {
				return fmt.Errorf("upsert menu item %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) GetCheckin(ctx context.Context, id string) (*records.CheckinEntry, error) {
	var row checkinModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, records.ErrNotFound
		}
		return nil, s.logError("records_get_checkin_failed", err, "record_id", id)
	}
	return row.toEntry(), nil
}

func (s *Store) FindCheckin(ctx context.Context, conversationID string) (*records.CheckinEntry, error) {
	var row checkinModel
	err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, records.ErrNotFound
		}
		return nil, s.logError("records_find_checkin_failed", err, "conversation_id", conversationID)
	}
	return row.toEntry(), nil
}

func (s *Store) CreateCheckin(ctx context.Context, e *records.CheckinEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.AnalysisStatus == "" {
		e.AnalysisStatus = records.AnalysisPending
	}
	e.GuestEmail = records.NormalizeEmail(e.GuestEmail)
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now

	row := checkinModelFromEntry(e)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return records.ErrExists
		}
		return s.logError("records_create_checkin_failed", err, "conversation_id", e.ConversationID)
	}
	return nil
}

func (s *Store) UpdateCheckin(ctx context.Context, id string, patch records.CheckinPatch) (*records.CheckinEntry, error) {
	var out *records.CheckinEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row checkinModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&row).Error; err != nil {
			return err
		}
		e := row.toEntry()
		patch.Apply(e)
		e.UpdatedAt = time.Now().UTC()
		updated := checkinModelFromEntry(e)
		if err := tx.Save(&updated).Error; err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, records.ErrNotFound
		}
		return nil, s.logError("records_update_checkin_failed", err, "record_id", id)
	}
	return out, nil
}

func (s *Store) ListCheckins(ctx context.Context, filter records.CheckinFilter) ([]*records.CheckinEntry, error) {
	tx := s.db.WithContext(ctx).Model(&checkinModel{})
	if filter.Status != "" {
		tx = tx.Where("analysis_status = ?", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		tx = tx.Where("created_at >= ?", filter.Since)
	}
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}

	var rows []checkinModel
	if err := tx.Order("created_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, s.logError("records_list_checkins_failed", err, "status", string(filter.Status))
	}
	out := make([]*records.CheckinEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntry())
	}
	return out, nil
}

func (s *Store) FindGuest(ctx context.Context, email string) (*records.Guest, error) {
	var row guestModel
	err := s.db.WithContext(ctx).Where("email = ?", records.NormalizeEmail(email)).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, records.ErrNotFound
		}
		return nil, s.logError("records_find_guest_failed", err)
	}
	return row.toGuest(), nil
}

func (s *Store) CreateGuest(ctx context.Context, g *records.Guest) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.Email = records.NormalizeEmail(g.Email)
	now := time.Now().UTC()
	g.CreatedAt, g.UpdatedAt = now, now

	row := guestModelFromGuest(g)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return records.ErrExists
		}
		return s.logError("records_create_guest_failed", err)
	}
	return nil
}

func (s *Store) UpdateGuest(ctx context.Context, g *records.Guest) error {
	g.Email = records.NormalizeEmail(g.Email)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing guestModel
		if err := tx.Where("email = ?", g.Email).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return records.ErrNotFound
			}
			return s.logError("records_update_guest_failed", err)
		}
		g.ID = existing.ID
		g.CreatedAt = existing.CreatedAt.UTC()
		g.UpdatedAt = time.Now().UTC()
		row := guestModelFromGuest(g)
		if err := tx.Save(&row).Error; err != nil {
			return s.logError("records_update_guest_failed", err)
		}
		return nil
	})
}

func (s *Store) ListRooms(ctx context.Context, filter records.RoomFilter) ([]records.Room, error) {
	tx := s.db.WithContext(ctx).Model(&roomModel{})
	if filter.Arrival != "" {
		tx = tx.Where("available_from <= ?", filter.Arrival)
	}
	if filter.Departure != "" {
		tx = tx.Where("available_to >= ?", filter.Departure)
	}
	if filter.RoomType != "" {
		tx = tx.Where("LOWER(room_type) = LOWER(?)", filter.RoomType)
	}

	var rows []roomModel
	if err := tx.Order("price_per_night ASC").Find(&rows).Error; err != nil {
		return nil, s.logError("records_list_rooms_failed", err)
	}
	out := make([]records.Room, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRoom())
	}
	return out, nil
}

func (s *Store) ListTreatments(ctx context.Context) ([]records.Treatment, error) {
	var rows []treatmentModel
	if err := s.db.WithContext(ctx).Order("category ASC").Order("name ASC").Find(&rows).Error; err != nil {
		return nil, s.logError("records_list_treatments_failed", err)
	}
	out := make([]records.Treatment, 0, len(rows))
	for _, row := range rows {
		out = append(out, records.Treatment(row))
	}
	return out, nil
}

func (s *Store) ListMenu(ctx context.Context, filter records.MenuFilter) ([]records.MenuItem, error) {
	tx := s.db.WithContext(ctx).Model(&menuItemModel{})
	if filter.MealType != "" {
		tx = tx.Where("meal_type = ?", filter.MealType)
	}
	var rows []menuItemModel
	if err := tx.Order("name ASC").Find(&rows).Error; err != nil {
		return nil, s.logError("records_list_menu_failed", err, "meal_type", filter.MealType)
	}
	out := make([]records.MenuItem, 0, len(rows))
	for _, row := range rows {
		out = append(out, records.MenuItem(row))
	}
	return out, nil
}

func (s *Store) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+4)
	fields = append(fields, "event", event, "error", err.Error())
	fields = append(fields, attrs...)
	s.logger.Error("records operation failed", fields...)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
