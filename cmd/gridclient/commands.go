package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"storagegrid/pkg/client"
	"storagegrid/pkg/config"
	"storagegrid/pkg/placement"
	"storagegrid/pkg/types"
	"storagegrid/pkg/utils"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (a *app) selector() (*placement.Selector, error) {
	ids, err := a.cfg.Identities()
	if err != nil {
		return nil, err
	}
	sel := placement.NewSelector(ids)
	if sel.Len() == 0 {
		return nil, fmt.Errorf("no servers configured")
	}
	return sel, nil
}

// targets returns the named server, or every configured server in
// permuted order for si when name is empty.
func (a *app) targets(si types.StorageIndex, name string) ([]*config.ServerConfig, error) {
	if name != "" {
		server, err := a.cfg.Server(name)
		if err != nil {
			return nil, err
		}
		return []*config.ServerConfig{server}, nil
	}

	sel, err := a.selector()
	if err != nil {
		return nil, err
	}
	var out []*config.ServerConfig
	for _, id := range sel.Rank(si) {
		server, err := a.cfg.ServerByID(id.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, server)
	}
	return out, nil
}

func (a *app) connect(server *config.ServerConfig) (*client.Client, error) {
	c, err := a.cfg.Connect(server, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", displayName(server), err)
	}
	return c, nil
}

func displayName(s *config.ServerConfig) string {
	if s.Nickname != "" {
		return s.Nickname
	}
	return s.ID
}

func rankCmd(a *app) *cobra.Command {
	var top int

	cmd := &cobra.Command{
		Use:   "rank <storage-index>",
		Short: "Show the server order for a storage index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			si, err := types.ParseStorageIndex(args[0])
			if err != nil {
				return err
			}
			sel, err := a.selector()
			if err != nil {
				return err
			}

			ranked := sel.Rank(si)
			if top > 0 {
				ranked = sel.Top(si, top)
			}
			t := newTable("#", "SERVER", "ID", "KEY", "URL")
			for i, server := range ranked {
				key := placement.PermutationKey(si, server.ID)
				t.Row(
					fmt.Sprintf("%d", i+1),
					server.Name(),
					server.ID.String(),
					hex.EncodeToString(key[:6]),
					server.URL,
				)
			}
			printTable(cmd.OutOrStdout(), fmt.Sprintf("Placement for %s", si), t)
			return nil
		},
	}

	cmd.Flags().IntVarP(&top, "top", "n", 0, "show only the first n servers (0 = all)")
	return cmd
}

func versionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version [server]",
		Short: "Query server versions and limits",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			servers := make([]*config.ServerConfig, 0, len(a.cfg.Servers))
			if len(args) == 1 {
				server, err := a.cfg.Server(args[0])
				if err != nil {
					return err
				}
				servers = append(servers, server)
			} else {
				for i := range a.cfg.Servers {
					servers = append(servers, &a.cfg.Servers[i])
				}
			}
			if len(servers) == 0 {
				return fmt.Errorf("no servers configured")
			}

			t := newTable("SERVER", "VERSION", "MAX SHARE", "AVAILABLE", "STATUS")
			failed := 0
			for _, server := range servers {
				c, err := a.connect(server)
				if err != nil {
					return err
				}
				info, err := c.GetVersion(cmd.Context())
				c.CloseIdle()
				if err != nil {
					failed++
					a.logger.Warn("Version query failed", zap.String("server", displayName(server)), zap.Error(err))
					t.Row(displayName(server), "-", "-", "-", dangerStyle.Render("UNREACHABLE"))
					continue
				}
				t.Row(
					displayName(server),
					info.ApplicationVersion,
					utils.FormatDataSize(info.Parameters.MaximumImmutableShareSize),
					utils.FormatDataSize(info.Parameters.AvailableSpace),
					okStyle.Render("OK"),
				)
			}
			printTable(cmd.OutOrStdout(), "Storage servers", t)

			if failed == len(servers) {
				return fmt.Errorf("no server answered")
			}
			return nil
		},
	}
}

func sharesCmd(a *app) *cobra.Command {
	var serverName string

	cmd := &cobra.Command{
		Use:   "shares <storage-index>",
		Short: "List the complete shares each server holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			si, err := types.ParseStorageIndex(args[0])
			if err != nil {
				return err
			}
			servers, err := a.targets(si, serverName)
			if err != nil {
				return err
			}

			t := newTable("SERVER", "SHARES")
			for _, server := range servers {
				c, err := a.connect(server)
				if err != nil {
					return err
				}
				shares, err := c.ListShares(cmd.Context(), si)
				c.CloseIdle()
				if err != nil {
					t.Row(displayName(server), dangerStyle.Render(err.Error()))
					continue
				}
				t.Row(displayName(server), formatShares(shares))
			}
			printTable(cmd.OutOrStdout(), fmt.Sprintf("Shares of %s", si), t)
			return nil
		},
	}

	cmd.Flags().StringVarP(&serverName, "server", "s", "", "query only this server (id or nickname)")
	return cmd
}

func formatShares(shares []types.ShareNumber) string {
	if len(shares) == 0 {
		return mutedStyle.Render("none")
	}
	parts := make([]string, len(shares))
	for i, s := range shares {
		parts[i] = fmt.Sprintf("%d", s)
	}
	return strings.Join(parts, ",")
}
