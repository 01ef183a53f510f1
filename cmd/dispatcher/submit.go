package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"digest-dispatcher/internal/config"
	"digest-dispatcher/internal/models"
)

func newSubmitCmd(configPath *string) *cobra.Command {
	var algorithm, id string
	cmd := &cobra.Command{
		Use:   "submit OBJECT_KEY",
		Short: "Publish a digest job to the input queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			rdb := newRedis(cfg)
			if rdb != nil {
				defer rdb.Close()
			}
			transport, err := newTransport(cmd.Context(), cfg, rdb)
			if err != nil {
				return err
			}

			job := models.Job{ID: id, ObjectKey: args[0], Algorithm: algorithm}
			if job.ID == "" {
				job.ID = uuid.NewString()
			}
			body, err := job.Encode()
			if err != nil {
				return err
			}
			if err := transport.Publish(cmd.Context(), cfg.InputQueue, body); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "digest algorithm requested from the service")
	cmd.Flags().StringVar(&id, "id", "", "job id (default: random UUID)")
	return cmd
}
