package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jun/doclock/internal/docerr"
	"github.com/jun/doclock/internal/model"
	"github.com/jun/doclock/internal/viewer"
	"github.com/jun/doclock/internal/workflow"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// intent performs one operation on an opened session.
type intent func(ctx context.Context, s *viewer.Session) (viewer.Snapshot, error)

func runIntent(v *viper.Viper, do intent) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx, v, args[0])
		if err != nil {
			return err
		}
		defer s.Close()

		snap, err := do(ctx, s)
		if perr := printSnapshot(cmd.OutOrStdout(), snap, v.GetBool("json")); perr != nil {
			return perr
		}
		return err
	}
}

// resume re-enters edit mode when the server says the caller already holds
// the checkout. Checking out again is idempotent for the holder.
func resume(ctx context.Context, v *viper.Viper, s *viewer.Session) error {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	if snap.Mode == model.ModeEdit || !snap.Lock.IsHeldByCaller {
		return nil
	}
	_, err = await(ctx, v)(s.Checkout(ctx))
	return err
}

func newViewCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "view <document-id>",
		Short: "Show preview URL, metadata and checkout status",
		Args:  cobra.ExactArgs(1),
		RunE: runIntent(v, func(ctx context.Context, s *viewer.Session) (viewer.Snapshot, error) {
			return s.Snapshot(ctx)
		}),
	}
}

func newCheckoutCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "checkout <document-id>",
		Short: "Take the edit lock and print the edit URL",
		Args:  cobra.ExactArgs(1),
		RunE: runIntent(v, func(ctx context.Context, s *viewer.Session) (viewer.Snapshot, error) {
			return await(ctx, v)(s.Checkout(ctx))
		}),
	}
}

func newCheckinCmd(v *viper.Viper) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "checkin <document-id>",
		Short: "Commit your working copy as a new version and release the lock",
		Args:  cobra.ExactArgs(1),
		RunE: runIntent(v, func(ctx context.Context, s *viewer.Session) (viewer.Snapshot, error) {
			if err := resume(ctx, v, s); err != nil {
				snap, _ := s.Snapshot(ctx)
				return snap, err
			}
			return await(ctx, v)(s.CheckIn(ctx, comment))
		}),
	}
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "version comment")
	return cmd
}

func newDiscardCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <document-id>",
		Short: "Drop your working copy and release the lock",
		Args:  cobra.ExactArgs(1),
		RunE: runIntent(v, func(ctx context.Context, s *viewer.Session) (viewer.Snapshot, error) {
			if err := resume(ctx, v, s); err != nil {
				snap, _ := s.Snapshot(ctx)
				return snap, err
			}
			return await(ctx, v)(s.Discard(ctx))
		}),
	}
}

func newDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-id>",
		Short: "Delete a document that nobody has checked out",
		Args:  cobra.ExactArgs(1),
		RunE: runIntent(v, func(ctx context.Context, s *viewer.Session) (viewer.Snapshot, error) {
			return await(ctx, v)(s.Delete(ctx))
		}),
	}
}

func newWatchCmd(v *viper.Viper) *cobra.Command {
	var (
		poll  time.Duration
		count int
	)
	cmd := &cobra.Command{
		Use:   "watch <document-id>",
		Short: "Print the session snapshot whenever it changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, v, args[0], viewer.WithStatusPoll(poll))
			if err != nil {
				return err
			}
			defer s.Close()

			snaps, cancel, err := s.Subscribe(ctx)
			if err != nil {
				return err
			}
			defer cancel()

			seen := 0
			for {
				select {
				case snap, ok := <-snaps:
					if !ok {
						return nil
					}
					if err := printSnapshot(cmd.OutOrStdout(), snap, v.GetBool("json")); err != nil {
						return err
					}
					seen++
					if count > 0 && seen >= count {
						return nil
					}
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().DurationVar(&poll, "poll", 10*time.Second, "status poll interval")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many snapshots (0 runs until interrupted)")
	return cmd
}

// snapshotView is the printable form of a snapshot.
type snapshotView struct {
	Document   string `json:"document"`
	Name       string `json:"name,omitempty"`
	Version    int64  `json:"versionNumber"`
	Mode       string `json:"mode"`
	PreviewURL string `json:"previewUrl,omitempty"`
	EditURL    string `json:"editUrl,omitempty"`
	Preview    string `json:"preview"`
	Locked     bool   `json:"locked"`
	LockedBy   string `json:"lockedBy,omitempty"`
	LockedAt   string `json:"lockedAt,omitempty"`
	Mine       bool   `json:"mine"`
	Pending    string `json:"pending,omitempty"`
	Notice     string `json:"notice,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"errorKind,omitempty"`
}

func toView(s viewer.Snapshot) snapshotView {
	out := snapshotView{
		Document:   string(s.Handle),
		Name:       s.Document.Name,
		Version:    s.Document.Version,
		Mode:       s.Mode.String(),
		PreviewURL: s.PreviewURL,
		EditURL:    s.EditURL,
		Preview:    s.Load.String(),
		Locked:     s.Lock.IsLocked,
		Mine:       s.Lock.IsHeldByCaller,
	}
	if by := s.Lock.LockedBy; by != nil {
		out.LockedBy = by.DisplayName
		if out.LockedBy == "" {
			out.LockedBy = by.ID
		}
	}
	if at := s.Lock.LockedAt; at != nil {
		out.LockedAt = at.Format(time.RFC3339)
	}
	if s.Pending != workflow.OpNone {
		out.Pending = s.Pending.String()
	}
	if s.Notice != workflow.NoticeNone {
		out.Notice = s.Notice.String()
	}
	err := s.Err
	if s.Conflict != nil {
		err = s.Conflict
	}
	if err != nil {
		out.Error = err.Error()
		if kind, ok := docerr.KindOf(err); ok {
			out.ErrorKind = kind.String()
		}
	}
	return out
}

func printSnapshot(w io.Writer, s viewer.Snapshot, asJSON bool) error {
	if s.Handle == "" {
		return nil
	}
	view := toView(s)
	if asJSON {
		return json.NewEncoder(w).Encode(view)
	}

	fmt.Fprintf(w, "document: %s", view.Document)
	if view.Name != "" {
		fmt.Fprintf(w, " (%s, v%d)", view.Name, view.Version)
	}
	fmt.Fprintf(w, "\nmode:     %s\n", view.Mode)
	switch {
	case view.Mine:
		fmt.Fprintf(w, "lock:     held by you since %s\n", view.LockedAt)
	case view.Locked:
		fmt.Fprintf(w, "lock:     checked out by %s since %s\n", view.LockedBy, view.LockedAt)
	default:
		fmt.Fprintln(w, "lock:     available")
	}
	if view.PreviewURL != "" {
		fmt.Fprintf(w, "preview:  %s (%s)\n", view.PreviewURL, view.Preview)
	}
	if view.EditURL != "" {
		fmt.Fprintf(w, "edit:     %s\n", view.EditURL)
	}
	if view.Pending != "" {
		fmt.Fprintf(w, "pending:  %s\n", view.Pending)
	}
	if view.Notice != "" {
		fmt.Fprintf(w, "notice:   %s\n", view.Notice)
	}
	if view.Error != "" {
		fmt.Fprintf(w, "error:    %s\n", view.Error)
	}
	return nil
}
