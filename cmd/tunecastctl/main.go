// Package main is the tunecast administration tool. It provisions devices,
// manager API keys and playlists directly in the server database.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tunecast/server/internal/config"
	"github.com/tunecast/server/internal/models"
	"github.com/tunecast/server/internal/repository"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "tunecastctl",
		Short:        "Administer a tunecast server database",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}
	rootCmd.AddCommand(newDeviceCmd(), newAPIKeyCmd(), newPlaylistCmd())
	return rootCmd
}

// withDB opens the database named by the server configuration
func withDB(fn func(ctx context.Context, db *sql.DB) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var db *sql.DB
	if cfg.UsePostgres() {
		db, err = repository.NewPostgresDB(cfg.DatabaseURL)
	} else {
		db, err = repository.NewSQLiteDB(cfg.DatabasePath)
	}
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	return fn(context.Background(), db)
}

func newDeviceCmd() *cobra.Command {
	deviceCmd := &cobra.Command{
		Use:   "device",
		Short: "Manage playback devices",
	}

	addCmd := &cobra.Command{
		Use:   "add <branch-id> <name>",
		Short: "Register a device and print its token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, token, err := models.NewDevice(args[0], args[1])
			if err != nil {
				return err
			}
			pushToken, _ := cmd.Flags().GetString("push-token")
			device.PushToken = pushToken

			return withDB(func(ctx context.Context, db *sql.DB) error {
				if err := repository.NewDeviceRepository(db).Add(ctx, device); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Device %s registered at branch %s\n", device.ID, device.BranchID)
				fmt.Fprintf(out, "Token (shown once): %s\n", token)
				return nil
			})
		},
	}
	addCmd.Flags().String("push-token", "", "FCM registration token for wake-up pushes")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(func(ctx context.Context, db *sql.DB) error {
				devices, err := repository.NewDeviceRepository(db).GetAll(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tBRANCH\tNAME\tSTATUS\tACTIVE\tLAST SEEN")
				for _, d := range devices {
					lastSeen := "-"
					if d.LastSeenAt != nil {
						lastSeen = d.LastSeenAt.Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", d.ID, d.BranchID, d.Name, d.Status, d.IsActive, lastSeen)
				}
				return w.Flush()
			})
		},
	}

	pushTokenCmd := &cobra.Command{
		Use:   "push-token <device-id> <fcm-token>",
		Short: "Set the FCM registration token of a device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db *sql.DB) error {
				return repository.NewDeviceRepository(db).UpdatePushToken(ctx, args[0], args[1])
			})
		},
	}

	disableCmd := &cobra.Command{
		Use:   "disable <device-id>",
		Short: "Disable a device; its token is rejected from then on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db *sql.DB) error {
				return repository.NewDeviceRepository(db).Deactivate(ctx, args[0])
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <device-id>",
		Short: "Delete a device and its sync status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db *sql.DB) error {
				ok, err := repository.NewDeviceRepository(db).Delete(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return models.ErrDeviceNotFound
				}
				return nil
			})
		},
	}

	deviceCmd.AddCommand(addCmd, listCmd, pushTokenCmd, disableCmd, deleteCmd)
	return deviceCmd
}

func newAPIKeyCmd() *cobra.Command {
	keyCmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys of the manager HTTP API",
	}

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a key and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, plain, err := models.NewAPIKey(args[0])
			if err != nil {
				return err
			}
			return withDB(func(ctx context.Context, db *sql.DB) error {
				if err := repository.NewAPIKeyRepository(db).Add(ctx, key); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "API key %s created\n", key.ID)
				fmt.Fprintf(out, "Key (shown once): %s\n", plain)
				return nil
			})
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db *sql.DB) error {
				ok, err := repository.NewAPIKeyRepository(db).Revoke(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("api key %s not found", args[0])
				}
				return nil
			})
		},
	}

	keyCmd.AddCommand(createCmd, revokeCmd)
	return keyCmd
}

// playlistFile is the import format of `playlist import`
type playlistFile struct {
	Name  string `json:"name"`
	Songs []struct {
		Title         string `json:"title"`
		Artist        string `json:"artist"`
		StreamURL     string `json:"streamUrl"`
		BunnyStreamID string `json:"bunnyStreamId"`
	} `json:"songs"`
}

func newPlaylistCmd() *cobra.Command {
	playlistCmd := &cobra.Command{
		Use:   "playlist",
		Short: "Manage playlists",
	}

	importCmd := &cobra.Command{
		Use:   "import <file.json>",
		Short: "Create a playlist from a JSON file",
		Long: `Create a playlist from a JSON file of the form
{"name": "Morning", "songs": [{"title": "...", "artist": "...", "streamUrl": "..."}]}

Songs without a streamUrl need a bunnyStreamId and a configured cdn.streamBaseUrl.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var file playlistFile
			if err := json.Unmarshal(data, &file); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			playlist, err := models.NewPlaylist(file.Name)
			if err != nil {
				return err
			}
			songs := make([]models.Song, 0, len(file.Songs))
			for _, s := range file.Songs {
				songs = append(songs, models.Song{
					Title:         s.Title,
					Artist:        s.Artist,
					StreamURL:     s.StreamURL,
					BunnyStreamID: s.BunnyStreamID,
				})
			}

			return withDB(func(ctx context.Context, db *sql.DB) error {
				repo := repository.NewPlaylistRepository(db)
				if err := repo.Add(ctx, playlist); err != nil {
					return err
				}
				if err := repo.AppendSongs(ctx, playlist.ID, songs); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Playlist %s imported with %d songs\n", playlist.ID, len(songs))
				return nil
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List playlists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(func(ctx context.Context, db *sql.DB) error {
				repo := repository.NewPlaylistRepository(db)
				playlists, err := repo.GetAll(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSONGS\tUPDATED")
				for _, p := range playlists {
					songs, err := repo.ListSongs(ctx, p.ID)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p.ID, p.Name, len(songs), p.UpdatedAt.Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <playlist-id>",
		Short: "Delete a playlist and its songs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db *sql.DB) error {
				ok, err := repository.NewPlaylistRepository(db).Delete(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return models.ErrPlaylistNotFound
				}
				return nil
			})
		},
	}

	playlistCmd.AddCommand(importCmd, listCmd, deleteCmd)
	return playlistCmd
}
