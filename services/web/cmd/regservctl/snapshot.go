package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"regserv/pkg/s3"
	"regserv/services/registry"
	"regserv/services/snapshot"
	"regserv/services/web/internal/app"
	"regserv/services/web/internal/config"
)

func (c *cli) newSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect, back up and restore the registry snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(c.newSnapshotShowCommand())
	cmd.AddCommand(c.newSnapshotBackupCommand())
	cmd.AddCommand(c.newSnapshotRestoreCommand())
	cmd.AddCommand(c.newSnapshotMigrateCommand())
	return cmd
}

func (c *cli) newSnapshotShowCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Summarise the current snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := c.loadState(cmd)
			if err != nil {
				return err
			}
			if asJSON {
				data, err := snapshot.Encode(state)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			return writeSummary(cmd, state, c.cfg.TokenTTL, time.Now())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the snapshot document instead of a summary")
	return cmd
}

func writeSummary(cmd *cobra.Command, state registry.State, ttl time.Duration, now time.Time) error {
	live, expired, claims := 0, 0, 0
	for _, tok := range state.Tokens {
		if now.Sub(tok.IssuedAt) < ttl {
			live++
		} else {
			expired++
		}
	}
	for _, id := range state.Identities {
		claims += len(id.Nicknames)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "identities\t%d\n", len(state.Identities))
	fmt.Fprintf(w, "nicknames\t%d\n", claims)
	fmt.Fprintf(w, "live tokens\t%d\n", live)
	fmt.Fprintf(w, "expired tokens\t%d\n", expired)
	return w.Flush()
}

func (c *cli) newSnapshotBackupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Encrypt the current snapshot and upload it to the backup bucket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			recipients, err := snapshot.ParseRecipients(c.cfg.Backup.Recipients)
			if err != nil {
				return err
			}
			state, err := c.loadState(cmd)
			if err != nil {
				return err
			}
			data, err := snapshot.Encode(state)
			if err != nil {
				return err
			}
			sealed, err := snapshot.Seal(data, recipients...)
			if err != nil {
				return err
			}
			bucket, err := app.Bucket(ctx, c.cfg)
			if err != nil {
				return err
			}
			key := snapshot.BackupKey(c.cfg.Backup.Prefix, time.Now())
			if err := bucket.Put(ctx, key, sealed); err != nil {
				return interrupted(ctx, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded s3://%s/%s (%d bytes)\n", bucket.Name(), key, len(sealed))
			return nil
		},
	}
}

func (c *cli) newSnapshotRestoreCommand() *cobra.Command {
	var (
		key          string
		identityFile string
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Download a backup, decrypt it and replace the current snapshot",
		Long:  "Restores the newest backup under the configured prefix unless --key names one. Stop the server first.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			text, err := os.ReadFile(identityFile)
			if err != nil {
				return fmt.Errorf("read identity file: %w", err)
			}
			identities, err := snapshot.ParseIdentities(string(text))
			if err != nil {
				return err
			}
			bucket, err := app.Bucket(ctx, c.cfg)
			if err != nil {
				return err
			}
			if key == "" {
				keys, err := bucket.List(ctx, c.cfg.Backup.Prefix)
				if err != nil {
					return err
				}
				latest, ok := s3.Latest(keys, snapshot.BackupSuffix)
				if !ok {
					return fmt.Errorf("no backups under s3://%s/%s", bucket.Name(), c.cfg.Backup.Prefix)
				}
				key = latest
			}

			sealed, err := bucket.Get(ctx, key)
			if err != nil {
				return interrupted(ctx, err)
			}
			data, err := snapshot.Unseal(sealed, identities...)
			if err != nil {
				return err
			}
			state, err := snapshot.Decode(data)
			if err != nil {
				return fmt.Errorf("backup %s is not a valid snapshot: %w", key, err)
			}

			store, closeStore, err := app.OpenStore(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			if err := store.WriteRaw(ctx, data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s: %d identities, %d tokens\n", key, len(state.Identities), len(state.Tokens))
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Object key of the backup to restore")
	cmd.Flags().StringVar(&identityFile, "identity", "", "age identity file able to decrypt the backup")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}

func (c *cli) newSnapshotMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.DBDSN == "" {
				return errors.New("REGSERV_DB_DSN is required")
			}
			pool, err := app.OpenDatabase(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			pool.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func (c *cli) loadState(cmd *cobra.Command) (registry.State, error) {
	store, closeStore, err := app.OpenStore(cmd.Context(), c.cfg)
	if err != nil {
		return registry.State{}, err
	}
	defer closeStore()
	state, err := store.Load(cmd.Context())
	if err != nil {
		return registry.State{}, fmt.Errorf("load %s snapshot: %w", storeName(c.cfg), err)
	}
	return state, nil
}

func storeName(cfg config.Config) string {
	if cfg.Store == config.StorePostgres {
		return "postgres"
	}
	return cfg.SnapshotPath
}
