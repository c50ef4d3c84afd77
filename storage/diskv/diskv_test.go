package diskv

import (
	"context"
	"testing"

	"github.com/SuriyaPasupathi/edx-mfe/storage"
)

func TestDiskvPersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := New(dir)
	link, created, err := s.RetrieveOrCreateLink(ctx, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first call must create")
	}
	err = s.StoreSession(ctx, &storage.SessionRecord{
		Email:         "user@example.com",
		SessionCookie: "sess-1",
		Password:      "pw-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	// a fresh instance over the same directory sees the same data
	s2 := New(dir)
	again, err := s2.RetrieveLink(ctx, link.LinkID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Email != "user@example.com" {
		t.Errorf("link: %+v", again)
	}
	sess, err := s2.RetrieveSession(ctx, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if sess.SessionCookie != "sess-1" || sess.Password != "pw-1" {
		t.Errorf("session: %+v", sess)
	}
	email, err := s2.RetrieveEmailBySessionCookie(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if email != "user@example.com" {
		t.Errorf("reverse lookup: %q", email)
	}
}
