package app

import (
	"context"
	"errors"
	"io"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"marketplace/pkg/domain"
	"marketplace/pkg/events"
	"marketplace/pkg/storage"
	"marketplace/pkg/store"
)

const (
	maxTitleLen   = 255
	maxTextLen    = 10000
	maxAddressLen = 255
)

// HouseInput is the create-house form. Empty photo slots are ignored.
type HouseInput struct {
	Name        string
	Street      string
	Location    string
	Phone       string
	Price       float64
	Menu        string
	Description string
	Photos      []PhotoUpload
}

// BookInput is the create-book form. Title, price, category and the single photo are required.
type BookInput struct {
	Title     string
	Author    string
	Condition string
	Address   string
	Phone     string
	Price     float64
	Summary   string
	Category  string
	Photo     PhotoUpload
}

// ListingFilter narrows ViewListings. Zero value lists everything.
type ListingFilter struct {
	Kind     string
	Category string
}

// CreateHouse stores a house and its photos in one transaction.
// If any photo is rejected nothing is committed and files already written are removed.
func (a *App) CreateHouse(ctx context.Context, session domain.Session, in HouseInput) (domain.House, error) {
	if !session.Authenticated() {
		return domain.House{}, ErrUnauthorized
	}
	house := domain.House{
		OwnerID:     session.UserID,
		Name:        strings.TrimSpace(in.Name),
		Street:      strings.TrimSpace(in.Street),
		Location:    strings.TrimSpace(in.Location),
		Phone:       strings.TrimSpace(in.Phone),
		Price:       in.Price,
		Menu:        strings.TrimSpace(in.Menu),
		Description: strings.TrimSpace(in.Description),
		CreatedAt:   time.Now().UTC(),
	}
	if err := validateHouse(house); err != nil {
		return domain.House{}, err
	}

	var written []string
	err := a.store.WithTx(func(tx store.Store) error {
		owner, ok, err := tx.GetUserByID(session.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnauthorized
		}
		house.OwnerName = owner.DisplayName
		if err := tx.CreateHouse(&house); err != nil {
			return err
		}
		for _, p := range in.Photos {
			if p.empty() {
				continue
			}
			name, err := a.uploads.Accept(ctx, p.File, p.Filename)
			if err != nil {
				return uploadError(err)
			}
			written = append(written, name)
			photo := domain.Photo{HouseID: house.ID, Filename: name}
			if err := tx.AddHousePhoto(&photo); err != nil {
				return err
			}
			house.Photos = append(house.Photos, photo)
		}
		return nil
	})
	if err != nil {
		a.uploads.Remove(ctx, written...)
		return domain.House{}, storageError("create house", err)
	}
	if house.Photos == nil {
		house.Photos = []domain.Photo{}
	}
	a.publish(ctx, events.TypeListingCreated, map[string]any{"kind": domain.KindHouse, "id": house.ID, "ownerId": house.OwnerID})
	return house, nil
}

// CreateBook stores a book with its single photo in one transaction.
func (a *App) CreateBook(ctx context.Context, session domain.Session, in BookInput) (domain.Book, error) {
	if !session.Authenticated() {
		return domain.Book{}, ErrUnauthorized
	}
	category, ok := domain.ParseCategory(in.Category)
	if !ok {
		return domain.Book{}, ErrInvalidCategory
	}
	book := domain.Book{
		OwnerID:   session.UserID,
		Title:     strings.TrimSpace(in.Title),
		Author:    strings.TrimSpace(in.Author),
		Condition: strings.TrimSpace(in.Condition),
		Address:   strings.TrimSpace(in.Address),
		Phone:     strings.TrimSpace(in.Phone),
		Price:     in.Price,
		Summary:   strings.TrimSpace(in.Summary),
		Category:  category,
		CreatedAt: time.Now().UTC(),
	}
	if err := validateBook(book); err != nil {
		return domain.Book{}, err
	}
	if in.Photo.empty() {
		return domain.Book{}, validationError("photo required")
	}

	var written string
	err := a.store.WithTx(func(tx store.Store) error {
		if _, ok, err := tx.GetUserByID(session.UserID); err != nil {
			return err
		} else if !ok {
			return ErrUnauthorized
		}
		name, err := a.uploads.Accept(ctx, in.Photo.File, in.Photo.Filename)
		if err != nil {
			return uploadError(err)
		}
		written = name
		book.Photo = name
		return tx.CreateBook(&book)
	})
	if err != nil {
		a.uploads.Remove(ctx, written)
		return domain.Book{}, storageError("create book", err)
	}
	a.publish(ctx, events.TypeListingCreated, map[string]any{"kind": domain.KindBook, "id": book.ID, "ownerId": book.OwnerID})
	return book, nil
}

// ViewListings returns listings oldest first. A category filter selects books of that category.
func (a *App) ViewListings(ctx context.Context, filter ListingFilter) ([]domain.Listing, error) {
	var kind domain.ListingKind
	if strings.TrimSpace(filter.Kind) != "" {
		k, ok := domain.ParseListingKind(filter.Kind)
		if !ok {
			return nil, validationError("unknown listing kind %q", filter.Kind)
		}
		kind = k
	}
	var category domain.Category
	if strings.TrimSpace(filter.Category) != "" {
		c, ok := domain.ParseCategory(filter.Category)
		if !ok {
			return nil, ErrInvalidCategory
		}
		if kind == domain.KindHouse {
			return nil, validationError("category applies to books only")
		}
		category = c
		kind = domain.KindBook
	}

	out := []domain.Listing{}
	if kind == "" || kind == domain.KindHouse {
		houses, err := a.store.ListHouses()
		if err != nil {
			return nil, storageError("list houses", err)
		}
		for i := range houses {
			out = append(out, domain.Listing{Kind: domain.KindHouse, House: &houses[i]})
		}
	}
	if kind == "" || kind == domain.KindBook {
		books, err := a.store.ListBooks(category)
		if err != nil {
			return nil, storageError("list books", err)
		}
		for i := range books {
			out = append(out, domain.Listing{Kind: domain.KindBook, Book: &books[i]})
		}
	}
	if kind == "" {
		sort.SliceStable(out, func(i, j int) bool {
			return createdAt(out[i]).Before(createdAt(out[j]))
		})
	}
	return out, nil
}

// ViewListingDetail returns one listing with its photos.
func (a *App) ViewListingDetail(ctx context.Context, kind domain.ListingKind, id int64) (domain.Listing, error) {
	listing, ok, err := getListing(a.store, kind, id)
	if err != nil {
		return domain.Listing{}, storageError("get listing", err)
	}
	if !ok {
		return domain.Listing{}, ErrNotFound
	}
	return listing, nil
}

// DeleteListing removes a listing owned by the session's user; photo files go after the commit.
func (a *App) DeleteListing(ctx context.Context, session domain.Session, kind domain.ListingKind, id int64) error {
	if !session.Authenticated() {
		return ErrUnauthorized
	}
	var files []string
	err := a.store.WithTx(func(tx store.Store) error {
		listing, ok, err := getListing(tx, kind, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if listing.OwnerID() != session.UserID {
			return ErrForbidden
		}
		files = listing.Filenames()
		if kind == domain.KindHouse {
			return tx.DeleteHouse(id)
		}
		return tx.DeleteBook(id)
	})
	if err != nil {
		return storageError("delete listing", err)
	}
	a.uploads.Remove(ctx, files...)
	a.publish(ctx, events.TypeListingDeleted, map[string]any{"kind": kind, "id": id, "ownerId": session.UserID})
	return nil
}

// OpenPhoto streams a stored listing or profile photo by its stored name.
func (a *App) OpenPhoto(ctx context.Context, name string) (io.ReadCloser, error) {
	if !storage.ValidBlobName(name) {
		return nil, ErrNotFound
	}
	rc, err := a.uploads.Open(ctx, name)
	if errors.Is(err, storage.ErrBlobNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageError("open photo", err)
	}
	return rc, nil
}

func getListing(s store.Store, kind domain.ListingKind, id int64) (domain.Listing, bool, error) {
	switch kind {
	case domain.KindHouse:
		h, ok, err := s.GetHouse(id)
		if err != nil || !ok {
			return domain.Listing{}, false, err
		}
		return domain.Listing{Kind: kind, House: &h}, true, nil
	case domain.KindBook:
		b, ok, err := s.GetBook(id)
		if err != nil || !ok {
			return domain.Listing{}, false, err
		}
		return domain.Listing{Kind: kind, Book: &b}, true, nil
	default:
		return domain.Listing{}, false, nil
	}
}

func createdAt(l domain.Listing) time.Time {
	if l.House != nil {
		return l.House.CreatedAt
	}
	if l.Book != nil {
		return l.Book.CreatedAt
	}
	return time.Time{}
}

func validateHouse(h domain.House) error {
	if h.Name == "" {
		return validationError("name required")
	}
	if h.Phone == "" {
		return validationError("phone required")
	}
	if err := validatePrice(h.Price); err != nil {
		return err
	}
	if err := maxLen(map[string]string{"name": h.Name, "street": h.Street, "location": h.Location}, maxTitleLen); err != nil {
		return err
	}
	if utf8.RuneCountInString(h.Phone) > maxPhoneLen {
		return validationError("phone too long")
	}
	return maxLen(map[string]string{"menu": h.Menu, "description": h.Description}, maxTextLen)
}

func validateBook(b domain.Book) error {
	if b.Title == "" {
		return validationError("title required")
	}
	if b.Author == "" {
		return validationError("author required")
	}
	if b.Condition == "" {
		return validationError("condition required")
	}
	if err := validatePrice(b.Price); err != nil {
		return err
	}
	if err := maxLen(map[string]string{"title": b.Title, "author": b.Author, "address": b.Address}, maxAddressLen); err != nil {
		return err
	}
	if utf8.RuneCountInString(b.Condition) > 50 {
		return validationError("condition too long")
	}
	if utf8.RuneCountInString(b.Phone) > maxPhoneLen {
		return validationError("phone too long")
	}
	return maxLen(map[string]string{"summary": b.Summary}, maxTextLen)
}

func validatePrice(p float64) error {
	if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
		return validationError("price must be a positive number")
	}
	return nil
}

func maxLen(fields map[string]string, limit int) error {
	for name, v := range fields {
		if utf8.RuneCountInString(v) > limit {
			return validationError("%s too long", name)
		}
	}
	return nil
}
