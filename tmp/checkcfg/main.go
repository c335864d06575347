package main

import (
	"context"
	"fmt"
	"net/http/httptest"

	"snagline/internal/api"
	"snagline/internal/devserver"
)

// Manual smoke check: boot the dev backend in-process, log in as the demo
// manager and push one snag through create/update.
func main() {
	store := devserver.NewStore()
	store.Seed("snagline")
	srv := devserver.New(devserver.Config{Store: store, JWTSecret: "check-secret"})
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Hub().Close()

	ctx := context.Background()
	client := api.New(ts.URL)
	resp, err := client.Login(ctx, "manager@site.test", "snagline")
	if err != nil {
		panic(err)
	}
	fmt.Printf("logged in: %s (%s)\n", resp.User.Name, resp.User.Role)

	snag, err := client.CreateSnag(ctx, api.CreateSnagRequest{
		Description: "hairline crack above door frame",
		Location:    "2nd floor corridor",
		ProjectName: "Block A",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created: #%d %s (%s)\n", snag.QueryNo, snag.ID, snag.Status)

	desc := "hairline crack above door frame, widening"
	updated, err := client.UpdateSnag(ctx, snag.ID, api.UpdateSnagRequest{Description: &desc})
	if err != nil {
		panic(err)
	}
	fmt.Printf("updated: %s (updated_at %s)\n", updated.Description, updated.UpdatedAt)

	stats, err := client.DashboardStats(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("stats: %+v\n", stats)
}
