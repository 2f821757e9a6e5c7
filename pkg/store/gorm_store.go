package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"marketplace/pkg/domain"
)

const migrateLockID int64 = 61803398

// GormStore implements Store using GORM over Postgres or SQLite.
type GormStore struct {
	db *gorm.DB
}

// Open picks a dialect by driver name ("postgres" or "sqlite").
func Open(driver, dsn string) (*GormStore, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "postgres", "postgresql":
		return NewGormStore(dsn)
	case "sqlite", "sqlite3":
		return NewSQLiteStore(dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

// NewGormStore opens a Postgres DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// NewSQLiteStore opens a SQLite DB (file path or memory DSN) and runs auto-migrations.
// SQLite allows a single writer, so the pool is limited to one connection.
func NewSQLiteStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// NewGormStoreFromDB wraps an already configured connection without migrating.
func NewGormStoreFromDB(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func gormConfig() *gorm.Config {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return &gorm.Config{Logger: gormLog, TranslateError: true}
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&UserModel{}, &NoteModel{}, &HouseModel{}, &PhotoModel{}, &BookModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// WithTx runs fn inside a transaction; any error rolls everything back.
func (s *GormStore) WithTx(fn func(tx Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

// CreateUser inserts a user and fills in its ID.
func (s *GormStore) CreateUser(u *domain.User) error {
	model := userToModel(*u)
	if err := s.db.Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return err
	}
	*u = userFromModel(model)
	return nil
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id int64) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// DeleteUser removes a user together with notes, houses, photos and books.
func (s *GormStore) DeleteUser(id int64) (bool, error) {
	var deleted bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		houseIDs := tx.Model(&HouseModel{}).Select("id").Where("owner_id = ?", id)
		if err := tx.Where("house_id IN (?)", houseIDs).Delete(&PhotoModel{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&HouseModel{}, "owner_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&BookModel{}, "owner_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&NoteModel{}, "user_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&UserModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	return deleted, err
}

// UserCount returns number of users.
func (s *GormStore) UserCount() (int, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// AddNote records a note. When CreatedAt is unset it is assigned here and
// never falls behind the user's latest note, even if the wall clock steps back.
func (s *GormStore) AddNote(n *domain.Note) error {
	if n.CreatedAt.IsZero() {
		now := time.Now().UTC()
		var latest NoteModel
		err := s.db.Select("created_at").Where("user_id = ?", n.UserID).Order("id DESC").Limit(1).Find(&latest).Error
		if err != nil {
			return err
		}
		if !now.After(latest.CreatedAt) {
			now = latest.CreatedAt.UTC().Add(time.Microsecond)
		}
		n.CreatedAt = now
	}
	model := noteToModel(*n)
	if err := s.db.Create(&model).Error; err != nil {
		return translateOwnerErr(err)
	}
	*n = noteFromModel(model)
	return nil
}

// ListNotesByUser returns a user's notes in insertion order.
func (s *GormStore) ListNotesByUser(userID int64) ([]domain.Note, error) {
	var models []NoteModel
	if err := s.db.Where("user_id = ?", userID).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Note, 0, len(models))
	for _, m := range models {
		res = append(res, noteFromModel(m))
	}
	return res, nil
}

// CreateHouse inserts the house row only; photos are added with AddHousePhoto.
func (s *GormStore) CreateHouse(h *domain.House) error {
	model := houseToModel(*h)
	model.Photos = nil
	if err := s.db.Omit("Photos").Create(&model).Error; err != nil {
		return translateOwnerErr(err)
	}
	h.ID = model.ID
	h.CreatedAt = model.CreatedAt
	return nil
}

// AddHousePhoto links a stored file to a house.
func (s *GormStore) AddHousePhoto(p *domain.Photo) error {
	model := PhotoModel{HouseID: p.HouseID, Filename: p.Filename}
	if err := s.db.Create(&model).Error; err != nil {
		return err
	}
	p.ID = model.ID
	return nil
}

// GetHouse retrieves a house with its photos.
func (s *GormStore) GetHouse(id int64) (domain.House, bool, error) {
	var model HouseModel
	if err := s.db.Preload("Photos", orderByID).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.House{}, false, nil
		}
		return domain.House{}, false, err
	}
	return houseFromModel(model), true, nil
}

// ListHouses returns all houses ordered by creation.
func (s *GormStore) ListHouses() ([]domain.House, error) {
	return s.listHouses()
}

// ListHousesByOwner returns houses filtered by owner.
func (s *GormStore) ListHousesByOwner(ownerID int64) ([]domain.House, error) {
	return s.listHouses("owner_id = ?", ownerID)
}

func (s *GormStore) listHouses(conds ...any) ([]domain.House, error) {
	var models []HouseModel
	tx := s.db.Preload("Photos", orderByID).Order("created_at ASC").Order("id ASC")
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.House, 0, len(models))
	for _, m := range models {
		res = append(res, houseFromModel(m))
	}
	return res, nil
}

// DeleteHouse removes a house and its photo rows.
func (s *GormStore) DeleteHouse(id int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&PhotoModel{}, "house_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&HouseModel{}, "id = ?", id).Error
	})
}

// CreateBook inserts a book.
func (s *GormStore) CreateBook(b *domain.Book) error {
	model := bookToModel(*b)
	if err := s.db.Create(&model).Error; err != nil {
		return translateOwnerErr(err)
	}
	*b = bookFromModel(model)
	return nil
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(id int64) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListBooks returns books, optionally restricted to one category.
func (s *GormStore) ListBooks(category domain.Category) ([]domain.Book, error) {
	if category == "" {
		return s.listBooks()
	}
	return s.listBooks("category = ?", string(category))
}

// ListBooksByOwner returns books filtered by owner.
func (s *GormStore) ListBooksByOwner(ownerID int64) ([]domain.Book, error) {
	return s.listBooks("owner_id = ?", ownerID)
}

func (s *GormStore) listBooks(conds ...any) ([]domain.Book, error) {
	var models []BookModel
	tx := s.db.Order("created_at ASC").Order("id ASC")
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// DeleteBook removes a book.
func (s *GormStore) DeleteBook(id int64) error {
	return s.db.Delete(&BookModel{}, "id = ?", id).Error
}

func orderByID(db *gorm.DB) *gorm.DB {
	return db.Order("id ASC")
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

func translateOwnerErr(err error) error {
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return ErrOwnerNotFound
	}
	return err
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		DisplayName:  u.DisplayName,
		Phone:        u.Phone,
		Citizenship:  u.Citizenship,
		Photo:        u.Photo,
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		DisplayName:  m.DisplayName,
		Phone:        m.Phone,
		Citizenship:  m.Citizenship,
		Photo:        m.Photo,
		CreatedAt:    m.CreatedAt,
	}
}

func noteToModel(n domain.Note) NoteModel {
	return NoteModel{
		ID:        n.ID,
		UserID:    n.UserID,
		Body:      n.Body,
		CreatedAt: n.CreatedAt,
	}
}

func noteFromModel(m NoteModel) domain.Note {
	return domain.Note{
		ID:        m.ID,
		UserID:    m.UserID,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
	}
}

func houseToModel(h domain.House) HouseModel {
	return HouseModel{
		ID:          h.ID,
		OwnerID:     h.OwnerID,
		Name:        h.Name,
		Street:      h.Street,
		Location:    h.Location,
		OwnerName:   h.OwnerName,
		Phone:       h.Phone,
		Price:       h.Price,
		Menu:        h.Menu,
		Description: h.Description,
		CreatedAt:   h.CreatedAt,
	}
}

func houseFromModel(m HouseModel) domain.House {
	photos := make([]domain.Photo, 0, len(m.Photos))
	for _, p := range m.Photos {
		photos = append(photos, domain.Photo{ID: p.ID, HouseID: p.HouseID, Filename: p.Filename})
	}
	return domain.House{
		ID:          m.ID,
		OwnerID:     m.OwnerID,
		Name:        m.Name,
		Street:      m.Street,
		Location:    m.Location,
		OwnerName:   m.OwnerName,
		Phone:       m.Phone,
		Price:       m.Price,
		Menu:        m.Menu,
		Description: m.Description,
		Photos:      photos,
		CreatedAt:   m.CreatedAt,
	}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:        b.ID,
		OwnerID:   b.OwnerID,
		Title:     b.Title,
		Author:    b.Author,
		Condition: b.Condition,
		Address:   b.Address,
		Phone:     b.Phone,
		Price:     b.Price,
		Summary:   b.Summary,
		Category:  string(b.Category),
		Photo:     b.Photo,
		CreatedAt: b.CreatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		Title:     m.Title,
		Author:    m.Author,
		Condition: m.Condition,
		Address:   m.Address,
		Phone:     m.Phone,
		Price:     m.Price,
		Summary:   m.Summary,
		Category:  domain.Category(m.Category),
		Photo:     m.Photo,
		CreatedAt: m.CreatedAt,
	}
}
