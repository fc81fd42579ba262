package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hackgods/consultation-signaling/internal/consultation"
)

func doctorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctors",
		Short: "List doctors accepting consultations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}

			doctors, err := e.client.ListAvailableDoctors(cmd.Context())
			if err != nil {
				return err
			}
			if len(doctors) == 0 {
				fmt.Println("no doctors available right now")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tEMAIL")
			for _, d := range doctors {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, d.Name, d.Email)
			}
			return tw.Flush()
		},
	}
}

func completeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <consultation-id>",
		Short: "Mark an ongoing consultation as completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			if err := e.client.Complete(cmd.Context(), consultation.ID(args[0])); err != nil {
				return err
			}
			fmt.Printf("consultation %s completed\n", args[0])
			return nil
		},
	}
}
