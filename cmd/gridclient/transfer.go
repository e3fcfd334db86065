package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"storagegrid/pkg/config"
	"storagegrid/pkg/session"
	"storagegrid/pkg/storage"
	"storagegrid/pkg/types"
	"storagegrid/pkg/utils"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (a *app) chunkTransfer() (*storage.ChunkTransfer, error) {
	chunkSize, err := a.cfg.ChunkSizeBytes()
	if err != nil {
		return nil, err
	}
	policy, err := a.cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}
	return storage.NewChunkTransfer(a.logger, storage.TransferOptions{
		ChunkSize:   chunkSize,
		Parallelism: a.cfg.Parallelism,
		Retry:       policy,
	}), nil
}

// parseShareFlags reads "N=path" pairs. Every share must have the same size.
func parseShareFlags(specs []string) (map[types.ShareNumber][]byte, uint64, error) {
	if len(specs) == 0 {
		return nil, 0, fmt.Errorf("at least one --share is required")
	}

	shares := make(map[types.ShareNumber][]byte, len(specs))
	var size uint64
	for i, spec := range specs {
		numStr, path, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, 0, fmt.Errorf("invalid share %q (expected N=path)", spec)
		}
		num, err := strconv.ParseUint(numStr, 10, 16)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid share number %q: %w", numStr, err)
		}
		if _, dup := shares[types.ShareNumber(num)]; dup {
			return nil, 0, fmt.Errorf("share %d given twice", num)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read share %d: %w", num, err)
		}
		if len(data) == 0 {
			return nil, 0, fmt.Errorf("share %d is empty", num)
		}
		if i == 0 {
			size = uint64(len(data))
		} else if uint64(len(data)) != size {
			return nil, 0, fmt.Errorf("share %d has %d bytes, expected %d like the others", num, len(data), size)
		}
		shares[types.ShareNumber(num)] = data
	}
	return shares, size, nil
}

type shareOutcome struct {
	server string
	status string
}

func uploadCmd(a *app) *cobra.Command {
	var (
		shareSpecs []string
		serverName string
	)

	cmd := &cobra.Command{
		Use:   "upload <storage-index> --share N=path [--share N=path ...]",
		Short: "Upload immutable shares",
		Long: `Uploads share files for a storage index. Without --server, servers are tried
in permuted order and each takes whichever of the remaining shares it accepts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			si, err := types.ParseStorageIndex(args[0])
			if err != nil {
				return err
			}
			data, size, err := parseShareFlags(shareSpecs)
			if err != nil {
				return err
			}
			servers, err := a.targets(si, serverName)
			if err != nil {
				return err
			}
			ct, err := a.chunkTransfer()
			if err != nil {
				return err
			}

			remaining := make([]types.ShareNumber, 0, len(data))
			for num := range data {
				remaining = append(remaining, num)
			}
			remaining = types.SortShares(remaining)
			outcomes := make(map[types.ShareNumber]shareOutcome, len(data))

			for _, server := range servers {
				if len(remaining) == 0 {
					break
				}
				remaining, err = a.uploadTo(cmd, server, ct, si, size, data, remaining, outcomes)
				if err != nil {
					return err
				}
			}

			t := newTable("SHARE", "SERVER", "SIZE", "STATUS")
			all := make([]types.ShareNumber, 0, len(data))
			for num := range data {
				all = append(all, num)
			}
			for _, num := range types.SortShares(all) {
				o, ok := outcomes[num]
				if !ok {
					o = shareOutcome{server: "-", status: dangerStyle.Render("NOT PLACED")}
				}
				t.Row(fmt.Sprintf("%d", num), o.server, utils.FormatDataSize(size), o.status)
			}
			printTable(cmd.OutOrStdout(), fmt.Sprintf("Upload of %s", si), t)

			if len(remaining) > 0 {
				return fmt.Errorf("%d of %d shares could not be placed", len(remaining), len(data))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&shareSpecs, "share", nil, "share number and file, as N=path (repeatable)")
	cmd.Flags().StringVarP(&serverName, "server", "s", "", "upload only to this server (id or nickname)")
	return cmd
}

// uploadTo offers the remaining shares to one server and uploads what it
// allocates. It returns the shares still without a home.
func (a *app) uploadTo(cmd *cobra.Command, server *config.ServerConfig, ct *storage.ChunkTransfer,
	si types.StorageIndex, size uint64, data map[types.ShareNumber][]byte,
	remaining []types.ShareNumber, outcomes map[types.ShareNumber]shareOutcome) ([]types.ShareNumber, error) {

	name := displayName(server)
	logger := a.logger.With(zap.String("server", name))

	c, err := a.connect(server)
	if err != nil {
		return nil, err
	}
	defer c.CloseIdle()

	secrets, err := types.NewUploadSecrets()
	if err != nil {
		return nil, err
	}
	sess := session.NewUploadSession(c, si, size, secrets, logger)

	result, err := sess.Create(cmd.Context(), remaining)
	if err != nil {
		logger.Warn("Server refused upload", zap.Error(err))
		return remaining, nil
	}

	uploadErr := ct.UploadShares(cmd.Context(), sess, data)
	if uploadErr != nil {
		logger.Warn("Upload to server failed", zap.Error(uploadErr))
		sess.Abandon()
	}

	var still []types.ShareNumber
	for _, num := range remaining {
		progress, placed := sess.Progress(num)
		switch {
		case placed && progress.Finished && slices.Contains(result.AlreadyHave, num):
			outcomes[num] = shareOutcome{server: name, status: warningStyle.Render("ALREADY STORED")}
		case placed && progress.Finished:
			outcomes[num] = shareOutcome{server: name, status: okStyle.Render("STORED")}
		default:
			still = append(still, num)
		}
	}

	if err := cmd.Context().Err(); err != nil {
		return nil, err
	}
	return still, nil
}

func downloadCmd(a *app) *cobra.Command {
	var (
		serverName string
		size       uint64
		outPath    string
	)

	cmd := &cobra.Command{
		Use:   "download <storage-index> <share>",
		Short: "Download one immutable share",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			si, err := types.ParseStorageIndex(args[0])
			if err != nil {
				return err
			}
			num, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				return fmt.Errorf("invalid share number %q: %w", args[1], err)
			}
			share := types.ShareNumber(num)
			if size == 0 {
				return fmt.Errorf("--size is required")
			}

			servers, err := a.targets(si, serverName)
			if err != nil {
				return err
			}
			ct, err := a.chunkTransfer()
			if err != nil {
				return err
			}

			for _, server := range servers {
				data, err := a.downloadFrom(cmd, server, ct, si, share, size)
				if err != nil {
					a.logger.Warn("Download attempt failed",
						zap.String("server", displayName(server)),
						zap.Error(err))
					continue
				}
				if data == nil {
					continue
				}
				return writeOutput(cmd.OutOrStdout(), outPath, data)
			}
			return fmt.Errorf("share %d of %s not available from any server", share, si)
		},
	}

	cmd.Flags().StringVarP(&serverName, "server", "s", "", "download only from this server (id or nickname)")
	cmd.Flags().Uint64Var(&size, "size", 0, "share size in bytes")
	cmd.Flags().StringVarP(&outPath, "output", "o", "-", "output file, - for stdout")
	return cmd
}

// downloadFrom returns nil data without error when the server does not
// hold the share.
func (a *app) downloadFrom(cmd *cobra.Command, server *config.ServerConfig, ct *storage.ChunkTransfer,
	si types.StorageIndex, share types.ShareNumber, size uint64) ([]byte, error) {

	c, err := a.connect(server)
	if err != nil {
		return nil, err
	}
	defer c.CloseIdle()

	dsess := session.NewDownloadSession(c, si, a.logger.With(zap.String("server", displayName(server))))
	held, err := dsess.ListShares(cmd.Context())
	if err != nil {
		return nil, err
	}
	if !slices.Contains(held, share) {
		return nil, nil
	}

	var buf bytes.Buffer
	if err := ct.DownloadShare(cmd.Context(), dsess, share, size, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeOutput(stdout io.Writer, path string, data []byte) error {
	if path == "-" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
