package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"chatstate/internal/models"
	"chatstate/internal/store"

	"github.com/spf13/cobra"
)

var skipConfirm bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and remove stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
			return listSessions(ctx, st, cmd.OutOrStdout())
		})
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a stored session",
	Long: `Removes the session from storage. Deleting the default session only resets
its messages and settings. Prompts for confirmation unless --yes is used.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
			return deleteSession(ctx, st, args[0], os.Stdin, cmd.OutOrStdout())
		})
	},
}

func init() {
	sessionsDeleteCmd.Flags().BoolVarP(&skipConfirm, "yes", "y", false, "Skip confirmation prompt")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, cfg, "")
	if err != nil {
		return err
	}
	runErr := fn(ctx, rt.store)
	if err := rt.close(10 * time.Second); err != nil && runErr == nil {
		runErr = fmt.Errorf("close store: %w", err)
	}
	return runErr
}

func listSessions(ctx context.Context, st *store.Store, out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tSAVED")
	for _, id := range st.SessionIDs() {
		if err := st.SwitchSession(ctx, id); err != nil {
			return fmt.Errorf("load session %s: %w", id, err)
		}
		v := st.Snapshot()
		title := v.Settings.Title
		if id == models.DefaultSessionID {
			title = "(default)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", id, title, len(v.Messages), v.Settings.SaveSession)
	}
	return w.Flush()
}

func deleteSession(ctx context.Context, st *store.Store, id string, input io.Reader, out io.Writer) error {
	if !skipConfirm && !confirm(input, out, fmt.Sprintf("Delete session %s?", id)) {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}
	before := st.LastWarning()
	if err := st.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := st.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if w := st.LastWarning(); w != nil && w != before {
		return w
	}
	fmt.Fprintf(out, "Deleted %s.\n", id)
	return nil
}

func confirm(input io.Reader, out io.Writer, prompt string) bool {
	reader := bufio.NewReader(input)
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}
