package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"snagline/internal/cache"
	"snagline/internal/db"
	"snagline/internal/domain"
	"snagline/internal/migrate"
	"snagline/internal/workflow"
)

// loggedInWorkspace points the CLI at a temp workspace with a cached
// session for user, talking to serverURL.
func loggedInWorkspace(t *testing.T, serverURL string, user domain.User) {
	t.Helper()
	dir := t.TempDir()
	viper.Set("workspace", dir)
	viper.Set("server", serverURL)
	t.Cleanup(func() {
		viper.Set("workspace", "")
		viper.Set("server", "")
	})

	conn, err := db.Open(dir)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := cache.New(conn).SaveSession(context.Background(), "tok-test", user); err != nil {
		t.Fatalf("save session: %v", err)
	}
}

func TestWorkflowCommandsGateRoleBeforeAnyRequest(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "{}", http.StatusInternalServerError)
	}))
	defer srv.Close()

	loggedInWorkspace(t, srv.URL, domain.User{ID: "U1", Name: "C", Role: domain.RoleContractor})

	// A contractor may not resolve or override; the commands must refuse
	// locally instead of fetching the snag first.
	for _, mk := range []func() *cobra.Command{snagResolveCmd, snagOverrideCmd} {
		cmd := mk()
		cmd.SetContext(context.Background())
		err := cmd.RunE(cmd, []string{"S1"})
		if !errors.Is(err, workflow.ErrNotAllowed) {
			t.Fatalf("%s: err = %v, want role refusal", cmd.Use, err)
		}
	}
	if n := hits.Load(); n != 0 {
		t.Fatalf("server saw %d requests, want 0", n)
	}
}

func TestTruncateKeepsUTF8Intact(t *testing.T) {
	in := "Überprüfung der Fassade, Träger 3"
	got := truncate(in, 10)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 10 {
		t.Fatalf("rune count = %d, want 10", n)
	}
	if truncate("short", 10) != "short" {
		t.Fatal("truncate changed a string within the limit")
	}
}
