package app

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"marketplace/pkg/domain"
	"marketplace/pkg/events"
)

func TestRegisterThenLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, err := env.app.Register(ctx, registerInput("  A@X.com "))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.ID <= 0 || user.Email != "a@x.com" || user.PasswordHash == "p@ss1234" {
		t.Fatalf("unexpected user: %+v", user)
	}

	sess, got, err := env.app.Login(ctx, "a@x.com", "p@ss1234")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !sess.Authenticated() || sess.UserID != user.ID || got.DisplayName != "Ada" {
		t.Fatalf("unexpected session %+v for %+v", sess, got)
	}

	resolved, err := env.app.SessionFromToken(ctx, sess.Token)
	if err != nil || resolved != sess {
		t.Fatalf("SessionFromToken = %+v, %v", resolved, err)
	}
	account, err := env.app.Account(ctx, sess)
	if err != nil || account.Phone != "555" || account.Citizenship != "NZ" {
		t.Fatalf("account = %+v, %v", account, err)
	}
	if types := env.events.types(); len(types) != 1 || types[0] != events.TypeUserRegistered {
		t.Fatalf("unexpected events: %v", types)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	mustRegister(t, env, "dup@example.com")

	_, err := env.app.Register(context.Background(), registerInput("DUP@example.com"))
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
	if n := env.userCount(t); n != 1 {
		t.Fatalf("user count = %d, want 1", n)
	}
}

func TestRegisterConcurrentSameEmail(t *testing.T) {
	env := newTestEnv(t)

	const workers = 2
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.app.Register(context.Background(), registerInput("race@example.com"))
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateEmail):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != 1 {
		t.Fatalf("ok=%d dup=%d", ok, dup)
	}
	if n := env.userCount(t); n != 1 {
		t.Fatalf("user count = %d, want 1", n)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := map[string]func(*RegisterInput){
		"bad email":      func(in *RegisterInput) { in.Email = "not-an-email" },
		"email w/ name":  func(in *RegisterInput) { in.Email = "Ada <a@x.com>" },
		"blank name":     func(in *RegisterInput) { in.DisplayName = "  " },
		"short password": func(in *RegisterInput) { in.Password = "short" },
		"long phone":     func(in *RegisterInput) { in.Phone = strings.Repeat("5", 21) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := registerInput("valid@example.com")
			mutate(&in)
			if _, err := env.app.Register(ctx, in); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
	if n := env.userCount(t); n != 0 {
		t.Fatalf("invalid registrations persisted %d users", n)
	}
}

func TestRegisterWithPhoto(t *testing.T) {
	env := newTestEnv(t)
	in := registerInput("photo@example.com")
	in.Photo = validPhoto(t, "me.jpg")

	user, err := env.app.Register(context.Background(), in)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.HasSuffix(user.Photo, "_me.jpg") {
		t.Fatalf("unexpected photo name %q", user.Photo)
	}
	if files := env.files(t); len(files) != 1 || files[0] != user.Photo {
		t.Fatalf("unexpected files: %v", files)
	}
}

func TestRegisterRejectsBadPhoto(t *testing.T) {
	env := newTestEnv(t)
	in := registerInput("exe@example.com")
	in.Photo = PhotoUpload{File: bytes.NewReader(jpegBytes(t)), Filename: "virus.exe"}

	if _, err := env.app.Register(context.Background(), in); !errors.Is(err, ErrUploadRejected) {
		t.Fatalf("expected ErrUploadRejected, got %v", err)
	}
	if n := env.userCount(t); n != 0 {
		t.Fatalf("user persisted despite rejected photo")
	}
	if files := env.files(t); len(files) != 0 {
		t.Fatalf("files left behind: %v", files)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t)
	mustRegister(t, env, "a@x.com")
	ctx := context.Background()

	_, _, wrongPw := env.app.Login(ctx, "a@x.com", "wrong-password")
	_, _, unknown := env.app.Login(ctx, "nobody@x.com", "p@ss1234")
	if !errors.Is(wrongPw, ErrInvalidCredentials) || !errors.Is(unknown, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for both, got %v / %v", wrongPw, unknown)
	}
	if wrongPw.Error() != unknown.Error() {
		t.Fatalf("messages differ: %q vs %q", wrongPw, unknown)
	}
	if n := env.userCount(t); n != 1 {
		t.Fatalf("user count changed: %d", n)
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	mustRegister(t, env, "a@x.com")
	sess := mustLogin(t, env, "a@x.com")
	ctx := context.Background()

	if err := env.app.Logout(ctx, sess); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := env.app.SessionFromToken(ctx, sess.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after logout, got %v", err)
	}
	if err := env.app.Logout(ctx, domain.Session{}); err != nil {
		t.Fatalf("anonymous logout should be a no-op, got %v", err)
	}
}

func TestAnonymousSessionIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var anon domain.Session

	if _, err := env.app.Account(ctx, anon); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Account: %v", err)
	}
	if err := env.app.DeleteAccount(ctx, anon); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, err := env.app.AddNote(ctx, anon, "hi"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("AddNote: %v", err)
	}
	if _, err := env.app.CreateHouse(ctx, anon, HouseInput{Name: "x", Phone: "1", Price: 1}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("CreateHouse: %v", err)
	}
	if _, err := env.app.SessionFromToken(ctx, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("SessionFromToken: %v", err)
	}
}

func TestNotes(t *testing.T) {
	env := newTestEnv(t)
	mustRegister(t, env, "a@x.com")
	sess := mustLogin(t, env, "a@x.com")
	ctx := context.Background()

	if _, err := env.app.AddNote(ctx, sess, "   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for blank note, got %v", err)
	}
	if _, err := env.app.AddNote(ctx, sess, strings.Repeat("x", maxNoteLen+1)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for long note, got %v", err)
	}
	for _, body := range []string{"first", "second"} {
		if _, err := env.app.AddNote(ctx, sess, body); err != nil {
			t.Fatalf("add note: %v", err)
		}
	}
	notes, err := env.app.ListNotes(ctx, sess)
	if err != nil {
		t.Fatalf("list notes: %v", err)
	}
	if len(notes) != 2 || notes[0].Body != "first" || notes[1].Body != "second" {
		t.Fatalf("unexpected notes: %+v", notes)
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := registerInput("gone@example.com")
	in.Photo = validPhoto(t, "me.jpg")
	if _, err := env.app.Register(ctx, in); err != nil {
		t.Fatalf("register: %v", err)
	}
	mustRegister(t, env, "stay@example.com")
	sess := mustLogin(t, env, "gone@example.com")
	second := mustLogin(t, env, "gone@example.com")
	keep := mustLogin(t, env, "stay@example.com")

	house, err := env.app.CreateHouse(ctx, sess, HouseInput{
		Name: "Villa", Phone: "1", Price: 100,
		Photos: []PhotoUpload{validPhoto(t, "a.jpg"), validPhoto(t, "b.jpg")},
	})
	if err != nil {
		t.Fatalf("create house: %v", err)
	}
	if _, err := env.app.CreateBook(ctx, sess, BookInput{Title: "T", Author: "A", Condition: "used", Price: 3, Category: "abstract", Photo: validPhoto(t, "t.jpg")}); err != nil {
		t.Fatalf("create book: %v", err)
	}
	kept, err := env.app.CreateBook(ctx, keep, BookInput{Title: "K", Author: "A", Condition: "used", Price: 3, Category: "fiction", Photo: validPhoto(t, "k.jpg")})
	if err != nil {
		t.Fatalf("create kept book: %v", err)
	}
	if _, err := env.app.AddNote(ctx, sess, "bye"); err != nil {
		t.Fatalf("add note: %v", err)
	}

	if err := env.app.DeleteAccount(ctx, sess); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	if _, err := env.app.ViewListingDetail(ctx, domain.KindHouse, house.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("house should be gone, got %v", err)
	}
	if _, err := env.app.SessionFromToken(ctx, second.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("other sessions of the deleted user must be revoked, got %v", err)
	}
	if _, err := env.app.SessionFromToken(ctx, keep.Token); err != nil {
		t.Fatalf("unrelated session revoked: %v", err)
	}
	if files := env.files(t); len(files) != 1 || files[0] != kept.Photo {
		t.Fatalf("expected only the kept book photo, got %v", files)
	}
	if n := env.userCount(t); n != 1 {
		t.Fatalf("user count = %d, want 1", n)
	}

	if err := env.app.DeleteAccount(ctx, sess); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should be ErrNotFound, got %v", err)
	}
}
