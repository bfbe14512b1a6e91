package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/denvudd/taskflow/internal/config"
	"github.com/denvudd/taskflow/internal/store"
	"github.com/denvudd/taskflow/internal/stream"
	"github.com/denvudd/taskflow/internal/types"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database schema",
	Long: `Create the SQLite database and schema at the configured db_path.

With --demo, also seeds a demo project with a couple of profiles and tickets
so a fresh install has something to connect to.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		demo, _ := cmd.Flags().GetBool("demo")

		loader := config.NewLoader(configPath, nil)
		cfg, err := loader.Load()
		if err != nil {
			return err
		}

		broker := stream.NewBroker(nil)
		defer broker.Close()

		st, err := store.Open(cfg.DBPath, broker, nil)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer st.Close()

		ctx := context.Background()
		if err := st.InitSchema(ctx); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		fmt.Printf("Database initialized at %s\n", cfg.DBPath)

		if !demo {
			return nil
		}

		if err := seedDemo(ctx, st); err != nil {
			return fmt.Errorf("failed to seed demo data: %w", err)
		}
		fmt.Println("Demo project seeded")
		return nil
	},
}

func seedDemo(ctx context.Context, st *store.Store) error {
	alice := &types.Profile{ID: "11111111-1111-1111-1111-111111111111", Username: "alice", FullName: "Alice Chen"}
	bob := &types.Profile{ID: "22222222-2222-2222-2222-222222222222", Username: "bob", FullName: "Bob Park"}
	for _, p := range []*types.Profile{alice, bob} {
		if err := st.UpsertProfile(ctx, p); err != nil {
			return err
		}
	}

	project, err := st.CreateProject(ctx, &store.Project{Name: "Demo Board", OwnerID: alice.ID})
	if err != nil {
		return err
	}

	tickets := []*types.Ticket{
		{ProjectID: project.ID, Title: "Set up the board", Status: types.StatusDone, Priority: types.PriorityHigh, Type: types.TypeTask, CreatorID: alice.ID},
		{ProjectID: project.ID, Title: "Fix login redirect loop", Status: types.StatusInProgress, Priority: types.PriorityUrgent, Type: types.TypeBug, CreatorID: alice.ID, AssigneeID: &bob.ID},
		{ProjectID: project.ID, Title: "Dark mode", Priority: types.PriorityLow, Type: types.TypeFeature, CreatorID: bob.ID},
	}
	for _, t := range tickets {
		created, err := st.CreateTicket(ctx, t)
		if err != nil {
			return err
		}
		if t.Type == types.TypeBug {
			_, err = st.CreateComment(ctx, &types.Comment{
				TicketID: created.ID,
				AuthorID: bob.ID,
				Content:  "Reproduced on staging, looks like a stale session cookie.",
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func init() {
	initCmd.Flags().Bool("demo", false, "Seed a demo project")
	rootCmd.AddCommand(initCmd)
}
