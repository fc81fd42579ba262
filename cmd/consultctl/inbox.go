package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hackgods/consultation-signaling/internal/alert"
	"github.com/hackgods/consultation-signaling/internal/consultation"
	"github.com/hackgods/consultation-signaling/internal/doctor"
	"github.com/hackgods/consultation-signaling/internal/videoroom"
)

const inboxHelp = `commands:
  a [id]   accept the popup (or the given consultation)
  r [id]   reject the popup (or the given consultation)
  c        close the popup, the request stays listed
  l        list pending requests
  q        quit`

func inboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Watch for consultation requests as a doctor",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("name")
			quiet, _ := cmd.Flags().GetBool("quiet")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var alerter alert.Alerter = alert.NewBell(os.Stderr, 2*time.Second, e.log)
			if quiet {
				alerter = alert.Nop{}
			}

			room := videoroom.NewRoom(e.cfg.JitsiDomain)
			inbox := doctor.New(e.client, doctor.Options{
				PollInterval: e.cfg.PollInterval,
				Alerter:      alerter,
			}, doctor.Hooks{
				OnPopup: func(c consultation.Consultation) {
					fmt.Printf("\n>> %s requests a consultation (id %s). [a]ccept / [r]eject / [c]lose\n", c.PatientName(), c.ID)
				},
				OnHandoff: func(h videoroom.Handoff) {
					link, err := room.URL(h, name, "")
					if err != nil {
						e.log.Error().Err(err).Msg("build room link")
						return
					}
					fmt.Println("join the room:")
					fmt.Println("  " + link)
				},
				OnError: func(err error) {
					fmt.Println("action failed:", err)
				},
				OnAuthExpired: func(error) {
					fmt.Println("session expired, inbox stopped")
					stop()
				},
			}, e.log)

			if err := inbox.Start(); err != nil {
				return err
			}
			defer inbox.Stop()
			e.subscribe(ctx, inbox.Nudge)

			fmt.Println(inboxHelp)
			lines := readLines(ctx)
			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if quit := handleInboxCommand(ctx, os.Stdout, inbox, line); quit {
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().String("name", "", "display name in the video room")
	cmd.Flags().Bool("quiet", false, "do not ring the terminal bell")
	return cmd
}

func handleInboxCommand(ctx context.Context, w io.Writer, inbox *doctor.Inbox, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	target := func() (consultation.ID, bool) {
		if len(fields) > 1 {
			return consultation.ID(fields[1]), true
		}
		c, ok := inbox.Popup()
		if !ok {
			fmt.Fprintln(w, "no popup, pass a consultation id")
		}
		return c.ID, ok
	}

	switch fields[0] {
	case "a", "accept":
		if id, ok := target(); ok {
			if h, err := inbox.Accept(ctx, id); err == nil {
				fmt.Fprintf(w, "consultation %s accepted, meeting %s\n", id, h.MeetingID)
			}
		}
	case "r", "reject":
		if id, ok := target(); ok {
			if err := inbox.Reject(ctx, id); err == nil {
				fmt.Fprintf(w, "consultation %s rejected\n", id)
			}
		}
	case "c", "close":
		if !inbox.Close() {
			fmt.Fprintln(w, "no popup")
		}
	case "l", "list":
		working := inbox.Working()
		if len(working) == 0 {
			fmt.Fprintln(w, "no pending requests")
		}
		for _, c := range working {
			fmt.Fprintf(w, "  %s  %s  since %s\n", c.ID, c.PatientName(), c.CreatedAt.Format(time.Kitchen))
		}
	case "q", "quit", "exit":
		return true
	default:
		fmt.Fprintln(w, inboxHelp)
	}
	return false
}

// readLines feeds stdin lines to a channel until EOF.
func readLines(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case out <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
