package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"marketplace/internal/util"
	"marketplace/pkg/auth"
	"marketplace/pkg/domain"
	"marketplace/pkg/events"
	"marketplace/pkg/storage"
	"marketplace/pkg/store"
)

const (
	maxEmailLen       = 150
	maxDisplayNameLen = 150
	maxPhoneLen       = 20
	maxCitizenshipLen = 50
	maxNoteLen        = 10000
)

// RegisterInput carries the sign-up form. Photo is optional.
type RegisterInput struct {
	Email       string
	DisplayName string
	Password    string
	Phone       string
	Citizenship string
	Photo       PhotoUpload
}

// PhotoUpload is one uploaded file as handed over by the transport layer.
type PhotoUpload struct {
	File     io.Reader
	Filename string
}

func (p PhotoUpload) empty() bool {
	return p.File == nil && strings.TrimSpace(p.Filename) == ""
}

// Register creates an account. It does not log the user in.
func (a *App) Register(ctx context.Context, in RegisterInput) (domain.User, error) {
	email := normalizeEmail(in.Email)
	if err := validateEmail(email); err != nil {
		return domain.User{}, err
	}
	displayName := strings.TrimSpace(in.DisplayName)
	if displayName == "" {
		return domain.User{}, validationError("display name required")
	}
	if utf8.RuneCountInString(displayName) > maxDisplayNameLen {
		return domain.User{}, validationError("display name too long")
	}
	phone := strings.TrimSpace(in.Phone)
	if utf8.RuneCountInString(phone) > maxPhoneLen {
		return domain.User{}, validationError("phone too long")
	}
	citizenship := strings.TrimSpace(in.Citizenship)
	if utf8.RuneCountInString(citizenship) > maxCitizenshipLen {
		return domain.User{}, validationError("citizenship too long")
	}
	if err := auth.ValidatePassword(in.Password); err != nil {
		return domain.User{}, validationError("%s", err.Error())
	}

	exists, err := a.store.HasUserEmail(email)
	if err != nil {
		return domain.User{}, storageError("check email", err)
	}
	if exists {
		return domain.User{}, ErrDuplicateEmail
	}
	passwordHash, err := a.hasher.Hash(in.Password)
	if err != nil {
		return domain.User{}, storageError("hash password", err)
	}

	var photo string
	if !in.Photo.empty() {
		photo, err = a.uploads.Accept(ctx, in.Photo.File, in.Photo.Filename)
		if err != nil {
			return domain.User{}, uploadError(err)
		}
	}

	user := domain.User{
		Email:        email,
		PasswordHash: passwordHash,
		DisplayName:  displayName,
		Phone:        phone,
		Citizenship:  citizenship,
		Photo:        photo,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.CreateUser(&user); err != nil {
		a.uploads.Remove(ctx, photo)
		if errors.Is(err, store.ErrDuplicateEmail) {
			return domain.User{}, ErrDuplicateEmail
		}
		return domain.User{}, storageError("create user", err)
	}
	a.publish(ctx, events.TypeUserRegistered, map[string]any{"userId": user.ID})
	return user, nil
}

// Login verifies credentials and opens a session.
// An unknown email and a wrong password are indistinguishable to the caller, in message and in timing.
func (a *App) Login(ctx context.Context, email, password string) (domain.Session, domain.User, error) {
	email = normalizeEmail(email)
	logger := util.LoggerFromContext(ctx)
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.Session{}, domain.User{}, storageError("fetch user", err)
	}
	if !ok {
		auth.CheckPassword(password, a.dummyPasswordHash())
		logger.Info("login rejected", "reason", "unknown_email")
		return domain.Session{}, domain.User{}, ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		logger.Info("login rejected", "reason", "bad_password", "user_id", user.ID)
		return domain.Session{}, domain.User{}, ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.Session{}, domain.User{}, storageError("create session", err)
	}
	return domain.Session{Token: token, UserID: user.ID}, user, nil
}

// Logout ends the session. It is a no-op for an anonymous session.
func (a *App) Logout(ctx context.Context, session domain.Session) error {
	if session.Token == "" {
		return nil
	}
	if err := a.sessions.DeleteSession(session.Token); err != nil {
		return storageError("delete session", err)
	}
	return nil
}

// SessionFromToken resolves a bearer token into a session.
func (a *App) SessionFromToken(ctx context.Context, token string) (domain.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Session{}, ErrUnauthorized
	}
	userID, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil {
		return domain.Session{}, storageError("resolve session", err)
	}
	if !ok {
		return domain.Session{}, ErrUnauthorized
	}
	return domain.Session{Token: token, UserID: userID}, nil
}

// Account returns the profile of the session's user.
func (a *App) Account(ctx context.Context, session domain.Session) (domain.User, error) {
	if !session.Authenticated() {
		return domain.User{}, ErrUnauthorized
	}
	user, ok, err := a.store.GetUserByID(session.UserID)
	if err != nil {
		return domain.User{}, storageError("fetch user", err)
	}
	if !ok {
		return domain.User{}, ErrUnauthorized
	}
	return user, nil
}

// DeleteAccount removes the user together with notes and listings, then ends every session of the user.
// Photo files are removed after the commit.
func (a *App) DeleteAccount(ctx context.Context, session domain.Session) error {
	if !session.Authenticated() {
		return ErrUnauthorized
	}
	var files []string
	err := a.store.WithTx(func(tx store.Store) error {
		user, ok, err := tx.GetUserByID(session.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		houses, err := tx.ListHousesByOwner(user.ID)
		if err != nil {
			return err
		}
		books, err := tx.ListBooksByOwner(user.ID)
		if err != nil {
			return err
		}
		for i := range houses {
			files = append(files, domain.Listing{Kind: domain.KindHouse, House: &houses[i]}.Filenames()...)
		}
		for i := range books {
			files = append(files, domain.Listing{Kind: domain.KindBook, Book: &books[i]}.Filenames()...)
		}
		if user.Photo != "" {
			files = append(files, user.Photo)
		}
		deleted, err := tx.DeleteUser(user.ID)
		if err != nil {
			return err
		}
		if !deleted {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return storageError("delete account", err)
	}

	logger := util.LoggerFromContext(ctx)
	if revoker, ok := a.sessions.(store.UserSessionRevoker); ok {
		if err := revoker.RevokeUserSessions(session.UserID); err != nil {
			logger.Error("revoke user sessions failed", "user_id", session.UserID, "err", err)
		}
	}
	if err := a.sessions.DeleteSession(session.Token); err != nil {
		logger.Error("delete session failed", "user_id", session.UserID, "err", err)
	}
	a.uploads.Remove(ctx, files...)
	a.publish(ctx, events.TypeUserDeleted, map[string]any{"userId": session.UserID})
	return nil
}

// AddNote stores a free-text note for the session's user.
func (a *App) AddNote(ctx context.Context, session domain.Session, body string) (domain.Note, error) {
	if !session.Authenticated() {
		return domain.Note{}, ErrUnauthorized
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Note{}, validationError("note body required")
	}
	if utf8.RuneCountInString(body) > maxNoteLen {
		return domain.Note{}, validationError("note body too long")
	}
	note := domain.Note{UserID: session.UserID, Body: body}
	err := a.store.WithTx(func(tx store.Store) error {
		if _, ok, err := tx.GetUserByID(session.UserID); err != nil {
			return err
		} else if !ok {
			return ErrUnauthorized
		}
		return tx.AddNote(&note)
	})
	if err != nil {
		return domain.Note{}, storageError("add note", err)
	}
	return note, nil
}

// ListNotes returns the session user's notes, oldest first.
func (a *App) ListNotes(ctx context.Context, session domain.Session) ([]domain.Note, error) {
	if !session.Authenticated() {
		return nil, ErrUnauthorized
	}
	notes, err := a.store.ListNotesByUser(session.UserID)
	if err != nil {
		return nil, storageError("list notes", err)
	}
	return notes, nil
}

func (a *App) dummyPasswordHash() string {
	a.dummyOnce.Do(func() {
		a.dummyHash, _ = a.hasher.Hash("marketplace-dummy-password")
	})
	return a.dummyHash
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func validateEmail(email string) error {
	if email == "" {
		return validationError("email required")
	}
	if len(email) > maxEmailLen {
		return validationError("email too long")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email, "@") {
		return validationError("email is not valid")
	}
	return nil
}

func uploadError(err error) error {
	if errors.Is(err, storage.ErrRejected) {
		return fmt.Errorf("%w: %w", ErrUploadRejected, err)
	}
	return storageError("store upload", err)
}
