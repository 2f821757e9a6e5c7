package store

import "time"

// GORM models used for persistence.
type UserModel struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	Email        string    `gorm:"size:150;uniqueIndex;not null"`
	PasswordHash string    `gorm:"size:150;not null"`
	DisplayName  string    `gorm:"size:150;not null"`
	Phone        string    `gorm:"size:20"`
	Citizenship  string    `gorm:"size:50"`
	Photo        string    `gorm:"size:255"`
	CreatedAt    time.Time `gorm:"not null"`

	Notes  []NoteModel  `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	Houses []HouseModel `gorm:"foreignKey:OwnerID;constraint:OnDelete:CASCADE"`
	Books  []BookModel  `gorm:"foreignKey:OwnerID;constraint:OnDelete:CASCADE"`
}

func (UserModel) TableName() string { return "users" }

type NoteModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	UserID    int64     `gorm:"not null;index"`
	Body      string    `gorm:"size:10000;not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func (NoteModel) TableName() string { return "notes" }

type HouseModel struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	OwnerID     int64     `gorm:"not null;index"`
	Name        string    `gorm:"size:255;not null"`
	Street      string    `gorm:"size:255"`
	Location    string    `gorm:"size:255"`
	OwnerName   string    `gorm:"size:150"`
	Phone       string    `gorm:"size:20;not null"`
	Price       float64   `gorm:"not null"`
	Menu        string    `gorm:"type:text"`
	Description string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null;index"`

	Photos []PhotoModel `gorm:"foreignKey:HouseID;constraint:OnDelete:CASCADE"`
}

func (HouseModel) TableName() string { return "houses" }

type PhotoModel struct {
	ID       int64  `gorm:"primaryKey;autoIncrement"`
	HouseID  int64  `gorm:"not null;index"`
	Filename string `gorm:"size:255;not null"`
}

func (PhotoModel) TableName() string { return "house_photos" }

type BookModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	OwnerID   int64     `gorm:"not null;index"`
	Title     string    `gorm:"size:255;not null"`
	Author    string    `gorm:"size:255;not null"`
	Condition string    `gorm:"size:50;not null"`
	Address   string    `gorm:"size:255"`
	Phone     string    `gorm:"size:20"`
	Price     float64   `gorm:"not null"`
	Summary   string    `gorm:"type:text"`
	Category  string    `gorm:"size:50;not null;index"`
	Photo     string    `gorm:"size:255;not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func (BookModel) TableName() string { return "books" }
