package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hackgods/consultation-signaling/internal/consultation"
	"github.com/hackgods/consultation-signaling/internal/patient"
	"github.com/hackgods/consultation-signaling/internal/videoroom"
)

func requestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Ask a doctor for a consultation and wait for the room",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			doctorID, _ := cmd.Flags().GetString("doctor")
			name, _ := cmd.Flags().GetString("name")
			if deadline, _ := cmd.Flags().GetDuration("wait"); deadline > 0 {
				e.cfg.WaitDeadline = deadline
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			room := videoroom.NewRoom(e.cfg.JitsiDomain)
			flow := patient.New(e.client, patient.Options{
				PollInterval: e.cfg.PollInterval,
				WaitDeadline: e.cfg.WaitDeadline,
			}, patient.Hooks{
				OnState: func(s patient.State) {
					fmt.Println("state:", s)
				},
				OnHandoff: func(h videoroom.Handoff) {
					link, err := room.URL(h, name, "")
					if err != nil {
						e.log.Error().Err(err).Msg("build room link")
						return
					}
					fmt.Println("doctor accepted, join the room:")
					fmt.Println("  " + link)
				},
				OnAuthExpired: func(error) {
					fmt.Println("session expired, log in again and retry")
				},
			}, e.log)

			if err := flow.SelectDoctor(consultation.ID(doctorID)); err != nil {
				return err
			}

			e.subscribe(ctx, flow.Nudge)

			if err := flow.Submit(ctx); err != nil {
				return err
			}

			snap, err := flow.Wait(ctx)
			if err != nil {
				flow.Cancel()
				if errors.Is(err, context.Canceled) {
					fmt.Println("request cancelled")
					return nil
				}
				return err
			}

			switch snap.State {
			case patient.StateConnected:
				return nil
			case patient.StateRejected:
				return fmt.Errorf("doctor declined consultation %s", snap.ConsultationID)
			default:
				if snap.Err != nil {
					return snap.Err
				}
				return fmt.Errorf("consultation ended in state %s", snap.State)
			}
		},
	}
	cmd.Flags().String("doctor", "", "doctor id (see `consultctl doctors`)")
	cmd.Flags().String("name", "", "display name in the video room")
	cmd.Flags().Duration("wait", 0, "give up after this long (default WAIT_DEADLINE, 0 waits forever)")
	_ = cmd.MarkFlagRequired("doctor")
	return cmd
}
