package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fgateway/fgapiserver/internal/auth"
	"github.com/fgateway/fgapiserver/internal/db"
	"github.com/fgateway/fgapiserver/internal/models"
	"github.com/fgateway/fgapiserver/internal/redact"
	"github.com/fgateway/fgapiserver/internal/server"
)

func newUserCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage API users",
	}
	cmd.AddCommand(newUserAddCmd(opts), newUserJoinCmd(opts), newUserEnableCmd(opts, true), newUserEnableCmd(opts, false))
	return cmd
}

func newUserAddCmd(opts *rootOptions) *cobra.Command {
	var (
		password string
		groups   []string
		user     models.User
	)
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create a user (use --password - to read it from stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if name == "" || name == auth.AllUsers || name == auth.GroupUsers {
				return fmt.Errorf("invalid user name %q", args[0])
			}
			if password == "-" {
				line, err := readLine(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				password = line
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			_, store, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			for _, g := range groups {
				if _, err := store.GetGroupByName(ctx, g); err != nil {
					return fmt.Errorf("group %s: %w", g, err)
				}
			}
			user.Name = name
			user.PasswordHash = hash
			user.Enabled = true
			created, err := store.CreateUser(ctx, user)
			if err != nil {
				return err
			}
			if len(groups) > 0 {
				if err := store.AddUserToGroups(ctx, created.ID, groups); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "created user %s (id %d)\n", created.Name, created.ID)
			return err
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password, or - to read one line from stdin")
	cmd.Flags().StringSliceVar(&groups, "group", nil, "group to join (repeatable)")
	cmd.Flags().StringVar(&user.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&user.LastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&user.Institute, "institute", "", "institute")
	cmd.Flags().StringVar(&user.Mail, "mail", "", "mail address")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newUserJoinCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "join NAME GROUP...",
		Short: "Add a user to groups",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			user, err := store.GetUserByName(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("user %s: %w", args[0], err)
			}
			if err := store.AddUserToGroups(cmd.Context(), user.ID, args[1:]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "user %s joined %s\n", user.Name, strings.Join(args[1:], ", "))
			return err
		},
	}
}

func newUserEnableCmd(opts *rootOptions, enabled bool) *cobra.Command {
	use, verb := "enable NAME", "enabled"
	if !enabled {
		use, verb = "disable NAME", "disabled"
	}
	return &cobra.Command{
		Use:   use,
		Short: "Mark a user " + verb,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.SetUserEnabled(cmd.Context(), args[0], enabled); err != nil {
				return fmt.Errorf("user %s: %w", args[0], err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "user %s %s\n", args[0], verb)
			return err
		},
	}
}

func newGroupCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage groups, their roles and application grants",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add NAME",
			Short: "Create a group",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, store, err := opts.openStore(cmd)
				if err != nil {
					return err
				}
				defer store.Close()
				group, err := store.CreateGroup(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "created group %s (id %d)\n", group.Name, group.ID)
				return err
			},
		},
		&cobra.Command{
			Use:   "grant-app GROUP APP_ID...",
			Short: "Allow a group to run applications",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ids := make([]int64, 0, len(args)-1)
				for _, raw := range args[1:] {
					id, err := strconv.ParseInt(raw, 10, 64)
					if err != nil || id <= 0 {
						return fmt.Errorf("invalid application id %q", raw)
					}
					ids = append(ids, id)
				}
				return withGroup(cmd, opts, args[0], func(store *db.Store, group models.Group) error {
					return store.GrantGroupApps(cmd.Context(), group.ID, ids)
				})
			},
		},
		&cobra.Command{
			Use:   "grant-role GROUP ROLE...",
			Short: "Grant roles to a group",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withGroup(cmd, opts, args[0], func(store *db.Store, group models.Group) error {
					return store.GrantGroupRoles(cmd.Context(), group.ID, args[1:])
				})
			},
		},
	)
	return cmd
}

func withGroup(cmd *cobra.Command, opts *rootOptions, name string, fn func(*db.Store, models.Group) error) error {
	_, store, err := opts.openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()
	group, err := store.GetGroupByName(cmd.Context(), name)
	if err != nil {
		return fmt.Errorf("group %s: %w", name, err)
	}
	if err := fn(store, group); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "group %s updated\n", group.Name)
	return err
}

func newAppCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "app",
		Short: "Manage application definitions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import FILE...",
		Short: "Import applications and infrastructures from YAML (or age-encrypted YAML)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			logger, err := newLogger(cfg.LogLevel, os.Stderr, redact.New())
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			components, err := server.NewComponents(cfg, store, logger)
			if err != nil {
				return err
			}
			for _, path := range args {
				result, err := components.Catalog.ImportFile(cmd.Context(), path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: applications %s, infrastructures %s\n",
					path, formatIDs(result.Applications), formatIDs(result.Infrastructures))
			}
			return nil
		},
	})
	return cmd
}

func newQueueCmd(opts *rootOptions) *cobra.Command {
	var (
		filter db.QueueFilter
		status string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "Show executor queue entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" {
				filter.Status = models.QueueStatus(strings.ToUpper(strings.TrimSpace(status)))
			}
			_, store, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			entries, err := store.ListQueueEntries(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return writeQueue(cmd.OutOrStdout(), entries)
		},
	}
	list.Flags().Int64Var(&filter.TaskID, "task", 0, "only entries of this task")
	list.Flags().StringVar(&status, "status", "", "only entries in this status (QUEUED, PROCESSING, ...)")
	list.Flags().IntVar(&filter.Limit, "limit", 100, "maximum entries to show (0 for all)")

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the executor queue",
	}
	cmd.AddCommand(list)
	return cmd
}

func writeQueue(out io.Writer, entries []models.QueueEntry) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTASK\tACTION\tSTATUS\tTARGET\tTARGET_STATUS\tCREATED")
	for _, e := range entries {
		target := string(e.TargetStatus)
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.TaskID, e.Action, e.Status, e.Target, target, e.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func formatIDs(ids []int64) string {
	if len(ids) == 0 {
		return "none"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty input")
	}
	return line, nil
}
