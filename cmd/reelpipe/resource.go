package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newResourceCommand(ctx *commandContext) *cobra.Command {
	resourceCmd := &cobra.Command{
		Use:   "resource",
		Short: "Inspect video resources",
	}
	resourceCmd.AddCommand(newResourceShowCommand(ctx))
	return resourceCmd
}

func newResourceShowCommand(ctx *commandContext) *cobra.Command {
	var fullFlag bool

	cmd := &cobra.Command{
		Use:   "show <resource-id>",
		Short: "Show a video resource and its pipeline state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := st.res.GetResource(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("ID:          %s\n", res.ID)
			fmt.Printf("Title:       %s\n", res.Title)
			fmt.Printf("State:       %s\n", res.State)
			fmt.Printf("Media URL:   %s\n", res.MediaURL)
			fmt.Printf("Host asset:  %s\n", res.HostAssetID)
			fmt.Printf("Playback:    %s\n", res.HostPlaybackID)
			fmt.Printf("Created:     %s\n", res.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Updated:     %s\n", res.UpdatedAt.Format(time.RFC3339))
			fmt.Printf("Artifacts:   transcript=%t srt=%t word_srt=%t enriched=%t\n",
				res.Transcript != "", res.SRT != "", res.WordLevelSRT != "", res.TranscriptWithScreenshots != "")
			if fullFlag && res.Transcript != "" {
				fmt.Printf("\n%s\n", res.Transcript)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&fullFlag, "full", false, "Print the paragraph transcript")
	return cmd
}
