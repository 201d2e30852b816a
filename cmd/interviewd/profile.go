package main

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"interviewd/internal/database"
	"interviewd/pkg/types"
)

func newProfileCmd(c *cli) *cobra.Command {
	profileCmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage intake profiles",
	}

	profileCmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Upsert intake profiles from a YAML or JSON file",
		Long: `Upsert intake profiles from a file holding a "profiles" list, e.g.

  profiles:
    - subjectId: alice
      desiredPosition: Backend Engineer
      skills: [go, sql]
      intakeCompleted: true`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := readProfiles(args[0])
			if err != nil {
				return err
			}

			manager, err := database.NewManager(c.config.Database, c.logger)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer manager.Close()
			if err := manager.Migrate(); err != nil {
				return fmt.Errorf("failed to apply database migrations: %w", err)
			}

			for _, p := range profiles {
				if err := manager.UpsertProfile(cmd.Context(), p); err != nil {
					return fmt.Errorf("profile %s: %w", p.SubjectID, err)
				}
				c.logger.Debug("profile imported", zap.String("subject_id", p.SubjectID))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d profile(s)\n", len(profiles))
			return nil
		},
	})
	return profileCmd
}

// readProfiles decodes and validates the "profiles" list of a config-style file.
func readProfiles(path string) ([]*types.Profile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var profiles []*types.Profile
	if err := mapstructure.Decode(v.Get("profiles"), &profiles); err != nil {
		return nil, fmt.Errorf("failed to decode profiles: %w", err)
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("%s holds no profiles", path)
	}
	for i, p := range profiles {
		if p == nil || !types.IsValidSubjectID(p.SubjectID) {
			return nil, fmt.Errorf("profile %d: %w", i, types.ErrInvalidSubjectID)
		}
	}
	return profiles, nil
}
