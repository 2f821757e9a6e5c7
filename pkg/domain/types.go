package domain

import (
	"strings"
	"time"
)

// ListingKind distinguishes the two listing variants.
type ListingKind string

const (
	KindHouse ListingKind = "house"
	KindBook  ListingKind = "book"
)

// ParseListingKind accepts "house"/"houses" and "book"/"books".
func ParseListingKind(raw string) (ListingKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "house", "houses":
		return KindHouse, true
	case "book", "books":
		return KindBook, true
	default:
		return "", false
	}
}

// Category is the fixed set of book categories.
type Category string

const (
	CategoryFiction    Category = "fiction"
	CategoryNonfiction Category = "nonfiction"
	CategoryAbstract   Category = "abstract"
)

// Categories lists every valid book category.
var Categories = []Category{CategoryFiction, CategoryNonfiction, CategoryAbstract}

// ParseCategory normalizes raw and reports whether it is a known category.
func ParseCategory(raw string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Categories {
		if c == known {
			return c, true
		}
	}
	return "", false
}

type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"displayName"`
	Phone        string    `json:"phone"`
	Citizenship  string    `json:"citizenship"`
	Photo        string    `json:"photo,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Note struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// House is a rental/sale listing with any number of photos.
type House struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"ownerId"`
	Name        string    `json:"name"`
	Street      string    `json:"street"`
	Location    string    `json:"location"`
	OwnerName   string    `json:"ownerName"`
	Phone       string    `json:"phone"`
	Price       float64   `json:"price"`
	Menu        string    `json:"menu"`
	Description string    `json:"description"`
	Photos      []Photo   `json:"photos"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Photo struct {
	ID       int64  `json:"id"`
	HouseID  int64  `json:"houseId"`
	Filename string `json:"filename"`
}

// Book is a book listing. Unlike House it carries exactly one inline photo.
type Book struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"ownerId"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	Condition string    `json:"condition"`
	Address   string    `json:"address"`
	Phone     string    `json:"phone"`
	Price     float64   `json:"price"`
	Summary   string    `json:"summary"`
	Category  Category  `json:"category"`
	Photo     string    `json:"photo"`
	CreatedAt time.Time `json:"createdAt"`
}

// Listing wraps either variant; exactly one of House or Book is set.
type Listing struct {
	Kind  ListingKind `json:"kind"`
	House *House      `json:"house,omitempty"`
	Book  *Book       `json:"book,omitempty"`
}

// ID returns the id of whichever variant is set.
func (l Listing) ID() int64 {
	switch {
	case l.House != nil:
		return l.House.ID
	case l.Book != nil:
		return l.Book.ID
	}
	return 0
}

// OwnerID returns the owner of whichever variant is set.
func (l Listing) OwnerID() int64 {
	switch {
	case l.House != nil:
		return l.House.OwnerID
	case l.Book != nil:
		return l.Book.OwnerID
	}
	return 0
}

// Filenames returns every photo filename referenced by the listing.
func (l Listing) Filenames() []string {
	var out []string
	if l.House != nil {
		for _, p := range l.House.Photos {
			out = append(out, p.Filename)
		}
	}
	if l.Book != nil && l.Book.Photo != "" {
		out = append(out, l.Book.Photo)
	}
	return out
}

// Session identifies the caller. The zero value is an anonymous session.
type Session struct {
	Token  string `json:"token"`
	UserID int64  `json:"userId"`
}

// Authenticated reports whether the session is bound to a user.
func (s Session) Authenticated() bool {
	return s.UserID > 0 && s.Token != ""
}
