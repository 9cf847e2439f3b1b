package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/presencewatch/presence-go/internal/conf"
	"github.com/presencewatch/presence-go/internal/datastore"
	"github.com/presencewatch/presence-go/internal/identity"
	"github.com/presencewatch/presence-go/internal/logger"
)

const commandTimeout = 30 * time.Second

// target says where add and remove apply their change
type target struct {
	server  string
	offline bool
}

// Command creates the identity administration command
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage identity records",
		Long: "List, add and remove the identity records that detected labels resolve to.\n\n" +
			"add and remove go through the running server so its identity cache sees the change. " +
			"When no server is reachable they write to the database directly.",
	}

	var tgt target
	cmd.PersistentFlags().StringVar(&tgt.server, "server", "", "Base URL of the running server (default derived from webserver.listen)")
	cmd.PersistentFlags().BoolVar(&tgt.offline, "offline", false, "Write to the database without contacting a server")

	cmd.AddCommand(listCommand(settings), addCommand(settings, &tgt), removeCommand(settings, &tgt))
	return cmd
}

func (t *target) client(settings *conf.Settings) *serverClient {
	base := t.server
	if base == "" {
		base = defaultServerURL(settings)
	}
	return newServerClient(base)
}

func listCommand(settings *conf.Settings) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List identity records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), settings, func(ctx context.Context, reg *identity.Registry) error {
				recs, err := reg.List(ctx)
				if err != nil {
					return err
				}
				return printRecords(cmd.OutOrStdout(), recs, asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}

func addCommand(settings *conf.Settings, tgt *target) *cobra.Command {
	var rec identity.Record
	cmd := &cobra.Command{
		Use:   "add <label>",
		Short: "Add an identity record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec.Label = args[0]
			created, err := addIdentity(cmd, settings, tgt, rec)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", created.Label, created.Username)
			return err
		},
	}
	cmd.Flags().StringVar(&rec.Username, "username", "", "Display name of the person")
	cmd.Flags().StringVar(&rec.ExternalID, "external-id", "", "External identifier, e.g. a student number")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func addIdentity(cmd *cobra.Command, settings *conf.Settings, tgt *target, rec identity.Record) (identity.Record, error) {
	if !tgt.offline {
		sc := tgt.client(settings)
		created, err := sc.create(cmd.Context(), rec)
		if !serverUnreachable(err) {
			return created, err
		}
		warnDirect(cmd, sc.base)
	}

	var created identity.Record
	err := withRegistry(cmd.Context(), settings, func(ctx context.Context, reg *identity.Registry) error {
		var err error
		created, err = reg.Create(ctx, rec)
		return err
	})
	return created, err
}

func removeCommand(settings *conf.Settings, tgt *target) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <label>",
		Aliases: []string{"rm"},
		Short:   "Remove an identity record",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := removeIdentity(cmd, settings, tgt, args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return err
		},
	}
}

func removeIdentity(cmd *cobra.Command, settings *conf.Settings, tgt *target, label string) error {
	if !tgt.offline {
		sc := tgt.client(settings)
		err := sc.remove(cmd.Context(), label)
		if !serverUnreachable(err) {
			return err
		}
		warnDirect(cmd, sc.base)
	}

	return withRegistry(cmd.Context(), settings, func(ctx context.Context, reg *identity.Registry) error {
		return reg.Delete(ctx, label)
	})
}

func warnDirect(cmd *cobra.Command, server string) {
	fmt.Fprintf(cmd.ErrOrStderr(), "no server reachable at %s, writing to the database directly\n", server)
}

// withRegistry opens the configured store for the duration of fn. The
// registry has no cache of its own; a running server only learns about
// direct writes through its TTL or POST /cache/clear.
func withRegistry(ctx context.Context, settings *conf.Settings, fn func(context.Context, *identity.Registry) error) error {
	if settings.Database.Type == conf.DatabaseMemory {
		return fmt.Errorf("identity commands need a persistent database, database.type is %q", settings.Database.Type)
	}

	// keep command output clean; only warnings reach stderr
	log := logger.NewSlogLogger(os.Stderr, logger.LogLevelWarn, nil).Module("identity")

	backend, err := datastore.OpenBackend(settings.Database, log)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return fn(ctx, identity.NewRegistry(backend.Store, nil, log))
}

func printRecords(w io.Writer, recs []identity.Record, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if recs == nil {
			recs = []identity.Record{}
		}
		return enc.Encode(recs)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tUSERNAME\tEXTERNAL ID\tCREATED")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Label, r.Username, r.ExternalID, r.CreatedAt.Format(time.DateTime))
	}
	return tw.Flush()
}
