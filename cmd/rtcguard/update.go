package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rtcguard/internal/update"
)

const updateRepo = "rtcguard/rtcguard"

func newUpdateCommand() *cobra.Command {
	var (
		check  bool
		apiURL string
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update rtcguard to the latest release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []update.Option
			if apiURL != "" {
				opts = append(opts, update.WithBaseURL(apiURL))
			}
			client := update.New(updateRepo, zap.NewNop(), opts...)

			st, err := client.Check(cmd.Context(), version)
			if err != nil {
				return fmt.Errorf("update check failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if !st.Available {
				fmt.Fprintf(out, "rtcguard %s is up to date\n", st.CurrentVersion)
				return nil
			}

			fmt.Fprintf(out, "Update available: %s -> %s\n", st.CurrentVersion, st.LatestVersion)
			fmt.Fprintln(out, st.ReleaseURL(updateRepo))
			if check {
				return nil
			}

			if version == "dev" {
				return fmt.Errorf("refusing to self-update a development build; download a release from https://github.com/%s/releases", updateRepo)
			}

			url, err := client.AssetURL(st.Release)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Downloading %s...\n", st.LatestVersion)
			if err := client.Apply(cmd.Context(), url); err != nil {
				return fmt.Errorf("update failed: %w", err)
			}
			fmt.Fprintf(out, "Updated to %s. Restart rtcguard to finish.\n", st.LatestVersion)
			return nil
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "only check whether a newer release exists")
	cmd.Flags().StringVar(&apiURL, "api-url", "", "alternate GitHub API base URL")
	_ = cmd.Flags().MarkHidden("api-url")

	return cmd
}
