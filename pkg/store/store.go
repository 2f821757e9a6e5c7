package store

import (
	"errors"

	"marketplace/pkg/domain"
)

var (
	// ErrDuplicateEmail is returned when the unique email index rejects an insert.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrOwnerNotFound is returned when a row references a user that does not exist.
	ErrOwnerNotFound = errors.New("owner not found")
)

// Store defines persistence operations for users, notes, and listings.
type Store interface {
	// users
	CreateUser(u *domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id int64) (domain.User, bool, error)
	// DeleteUser removes the user and everything the user owns.
	DeleteUser(id int64) (bool, error)
	UserCount() (int, error)

	// notes
	AddNote(n *domain.Note) error
	ListNotesByUser(userID int64) ([]domain.Note, error)

	// houses
	CreateHouse(h *domain.House) error
	AddHousePhoto(p *domain.Photo) error
	GetHouse(id int64) (domain.House, bool, error)
	ListHouses() ([]domain.House, error)
	ListHousesByOwner(ownerID int64) ([]domain.House, error)
	DeleteHouse(id int64) error

	// books
	CreateBook(b *domain.Book) error
	GetBook(id int64) (domain.Book, bool, error)
	// ListBooks returns every book, or only those in category when it is non-empty.
	ListBooks(category domain.Category) ([]domain.Book, error)
	ListBooksByOwner(ownerID int64) ([]domain.Book, error)
	DeleteBook(id int64) error

	// WithTx runs fn in a single transaction. fn must only use the Store it is given.
	WithTx(fn func(tx Store) error) error
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(userID int64) (string, error)
	GetUserIDByToken(token string) (int64, bool, error)
	DeleteSession(token string) error
}

// UserSessionRevoker is an optional capability that revokes every session of a user.
type UserSessionRevoker interface {
	RevokeUserSessions(userID int64) error
}
