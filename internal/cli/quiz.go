package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"

	"liveroom/internal/app"
	"liveroom/internal/config"
	"liveroom/internal/domain"
	"liveroom/internal/infra/memory"
	pgstore "liveroom/internal/infra/postgres"
)

// NewQuizCmd groups quiz content commands.
func NewQuizCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quiz",
		Short: "Manage quiz content",
	}
	cmd.AddCommand(newQuizImportCmd(configPath))
	return cmd
}

func newQuizImportCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert quizzes from a YAML catalog into Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(*configPath)
			if err != nil {
				return err
			}
			if cfg.Postgres.URL == "" {
				return errors.New("postgres url not configured")
			}
			catalog, err := memory.LoadCatalog(file)
			if err != nil {
				return err
			}
			quizzes := catalog.Quizzes()
			for _, q := range quizzes {
				if err := app.ValidateQuestions(domain.KindGame, q.Questions); err != nil {
					return fmt.Errorf("quiz %s: %w", q.ID, err)
				}
			}

			ctx := cmd.Context()
			if err := runMigrationsWithConfig(ctx, cfg); err != nil {
				return err
			}
			pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			loader := pgstore.NewQuizLoader(pool)
			for _, q := range quizzes {
				if err := loader.SaveQuiz(ctx, q); err != nil {
					return err
				}
			}
			slog.Info("quizzes imported", slog.Int("count", len(quizzes)), slog.String("file", file))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML catalog (quizzes: [...])")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
